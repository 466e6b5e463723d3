package rendezvous

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	pushEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	pushEntropyMu sync.Mutex
)

// NewPushID returns a key that sorts after every key generated before it.
func NewPushID() string {
	pushEntropyMu.Lock()
	defer pushEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), pushEntropy).String()
}
