package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mattjoyce/forkpool/internal/protocol"
)

// DefaultOutstandingTTL bounds how long an unanswered request is remembered.
const DefaultOutstandingTTL = 10 * time.Minute

// Request is a Work or Retry the pool sent and has not seen answered yet.
type Request struct {
	PID          int             `json:"pid"`
	ID           int64           `json:"id"`
	Kind         protocol.Kind   `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RetryCounter int             `json:"retry_counter"`
	SentAt       time.Time       `json:"sent_at"`
}

// outstanding indexes in-flight requests by pid and correlation id.
// Entries older than the TTL are forgotten; a late answer then routes with
// a nil Request.
type outstanding struct {
	cache *gocache.Cache
}

func newOutstanding(ttl time.Duration) *outstanding {
	if ttl <= 0 {
		ttl = DefaultOutstandingTTL
	}
	return &outstanding{cache: gocache.New(ttl, ttl/2)}
}

func requestKey(pid int, id int64) string {
	return fmt.Sprintf("%d/%d", pid, id)
}

func (o *outstanding) track(r Request) {
	o.cache.SetDefault(requestKey(r.PID, r.ID), r)
}

func (o *outstanding) lookup(pid int, id int64) (Request, bool) {
	v, ok := o.cache.Get(requestKey(pid, id))
	if !ok {
		return Request{}, false
	}
	r, ok := v.(Request)
	return r, ok
}

// settle removes and returns the request answered by (pid, id).
func (o *outstanding) settle(pid int, id int64) (Request, bool) {
	r, ok := o.lookup(pid, id)
	if ok {
		o.cache.Delete(requestKey(pid, id))
	}
	return r, ok
}

func (o *outstanding) forget(pid int, id int64) {
	o.cache.Delete(requestKey(pid, id))
}

// dropWorker forgets every request sent to pid and returns how many there were.
func (o *outstanding) dropWorker(pid int) int {
	prefix := fmt.Sprintf("%d/", pid)
	n := 0
	for key := range o.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			o.cache.Delete(key)
			n++
		}
	}
	return n
}

func (o *outstanding) countFor(pid int) int {
	prefix := fmt.Sprintf("%d/", pid)
	n := 0
	for key := range o.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// total ignores entries that expired but were not cleaned up yet.
func (o *outstanding) total() int {
	return len(o.cache.Items())
}
