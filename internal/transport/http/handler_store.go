package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"duoplay/internal/metrics"
	"duoplay/internal/rendezvous"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	watchBuffer       = 16
	watchWriteTimeout = 5 * time.Second
)

// SnapshotFrame is one message of a watch stream.
type SnapshotFrame struct {
	Type   string              `json:"type"`
	Seq    int64               `json:"seq"`
	Path   string              `json:"path"`
	Exists bool                `json:"exists"`
	Value  rendezvous.Snapshot `json:"value"`
}

type StoreHandlers struct {
	store    rendezvous.Store
	upgrader websocket.Upgrader
}

func NewStoreHandlers(st rendezvous.Store) *StoreHandlers {
	return &StoreHandlers{
		store:    st,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func checkPath(path string) string {
	if path == "" {
		return "path_required"
	}
	if err := rendezvous.ValidatePath(path); err != nil {
		return "invalid_path"
	}
	return ""
}

// Snapshot returns the current value at the path after /api/store/.
func (h *StoreHandlers) Snapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "*")
		if code := checkPath(path); code != "" {
			WriteHTTPError(w, http.StatusBadRequest, code)
			return
		}
		snapshotReadTotal.Add(1)
		snap, err := h.store.Once(r.Context(), path)
		if err != nil {
			snapshotReadErrors.Add(1)
			if errors.Is(err, rendezvous.ErrUnsupported) || errors.Is(err, rendezvous.ErrInvalidPath) {
				WriteHTTPError(w, http.StatusBadRequest, "invalid_path")
				return
			}
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if !snap.Exists() {
			WriteHTTPError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, map[string]any{"path": path, "value": snap})
	}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	seq    int64
}

// push queues a frame without blocking the subscription callback. A slow
// reader loses frames; the next one still carries the full value.
func (c *watcher) push(snap rendezvous.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.seq++
	msg, err := json.Marshal(SnapshotFrame{
		Type:   "snapshot",
		Seq:    c.seq,
		Path:   snap.Path(),
		Exists: snap.Exists(),
		Value:  snap,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
		watchDroppedTotal.Add(1)
	}
}

func (c *watcher) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Watch upgrades to a websocket and streams a snapshot of ?path= after
// every change beneath it, starting with the current value.
func (h *StoreHandlers) Watch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if code := checkPath(path); code != "" {
			WriteHTTPError(w, http.StatusBadRequest, code)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		watchConnectionsTotal.Add(1)
		metrics.WatchStreams.Inc()
		defer metrics.WatchStreams.Dec()

		c := &watcher{conn: conn, send: make(chan []byte, watchBuffer)}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub, err := h.store.Subscribe(ctx, path, c.push)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("watch subscribe failed")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe_failed"))
			_ = conn.Close()
			return
		}

		go writeLoop(c)
		readLoop(c)
		sub.Cancel()
		c.close()
	}
}

// readLoop discards client frames and returns once the peer goes away.
func readLoop(c *watcher) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeLoop(c *watcher) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
