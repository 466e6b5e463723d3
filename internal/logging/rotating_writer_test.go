package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"duoplay/internal/config"

	"github.com/rs/zerolog/log"
)

func TestRotatingWriterKeepsOneBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writer, err := newRotatingWriter(path, 1)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer writer.Close()

	chunk := make([]byte, 512*1024)
	for i := 0; i < 5; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Fatalf("expected log <= 1MB, got %d", info.Size())
	}
	backup, err := os.Stat(path + ".1")
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if backup.Size() != 1024*1024 {
		t.Fatalf("backup size = %d, want %d", backup.Size(), 1024*1024)
	}
}

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duoplay.log")
	Init(config.LogConfig{Level: "debug", File: path, MaxMB: 1})
	defer Init(config.LogConfig{Level: "info"})

	if _, err := Writer().Write([]byte("{\"msg\":\"hello\"}\n")); err != nil {
		t.Fatalf("Writer().Write() error = %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("log file is empty")
	}
}

func TestInitStampsService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer-sim.log")
	Init(config.LogConfig{Level: "info", Service: "peer-sim", File: path, MaxMB: 1})
	defer Init(config.LogConfig{Level: "info"})

	log.Info().Str("uid", "a").Msg("online")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"service":"peer-sim"`) {
		t.Fatalf("log line %q has no service field", b)
	}
}
