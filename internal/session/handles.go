package session

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// handleTable tracks the device-assigned frame identifiers handed to the IDE
// during the current stop. Frame identifiers are only valid while the thread
// stays stopped, so the table is purged on every resume. The TTL is a leak
// bound for sessions that stay stopped for a long time while the IDE keeps
// asking for new frames.
type handleTable struct {
	frames *ttlcache.Cache[int, struct{}]
}

const handleTTL = 10 * time.Minute

func newHandleTable() *handleTable {
	cache := ttlcache.New[int, struct{}](
		ttlcache.WithTTL[int, struct{}](handleTTL),
		ttlcache.WithDisableTouchOnHit[int, struct{}](),
	)
	go cache.Start()
	return &handleTable{frames: cache}
}

// registerFrame records a frame identifier as valid for the current stop.
func (h *handleTable) registerFrame(id int) {
	h.frames.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

// validFrame reports whether the IDE-supplied frame id came from the current
// stop.
func (h *handleTable) validFrame(id int) bool {
	return h.frames.Has(id)
}

// purge invalidates every handle. Called on resume and step.
func (h *handleTable) purge() {
	h.frames.DeleteAll()
}

func (h *handleTable) stop() {
	h.frames.Stop()
}
