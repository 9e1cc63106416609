// Package lifecycle tracks the gateway's drain state during graceful
// shutdown. A draining gateway refuses new live connections and reports
// not-ready so load balancers stop routing to it.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle is the shared drain flag. The zero value is ready and
// usable; a nil *Lifecycle behaves as never-draining.
type Lifecycle struct {
	mu       sync.Mutex
	draining bool
	since    time.Time
}

// SetDraining flips the drain flag. Entering drain records the moment;
// re-entering keeps the original timestamp.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if draining && !l.draining {
		l.since = time.Now()
	}
	if !draining {
		l.since = time.Time{}
	}
	l.draining = draining
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// DrainingSince reports when draining began. ok is false while the
// gateway is accepting traffic.
func (l *Lifecycle) DrainingSince() (since time.Time, ok bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since, l.draining
}
