package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type keepAliveTick struct {
	key     string
	session *Session
}

// keepAliveTimer fires at half the keep alive interval and forwards each
// tick to the dispatcher loop, which does the actual liveness check.
type keepAliveTimer struct {
	ticker *clock.Ticker
	stop   chan struct{}
	once   sync.Once
}

func startKeepAlive(clk clock.Clock, interval time.Duration, tick keepAliveTick, ticks chan<- keepAliveTick, done <-chan struct{}) *keepAliveTimer {
	t := &keepAliveTimer{
		ticker: clk.Ticker(interval / 2),
		stop:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-t.ticker.C:
				select {
				case ticks <- tick:
				case <-t.stop:
					return
				case <-done:
					return
				}

			case <-t.stop:
				return

			case <-done:
				return
			}
		}
	}()

	return t
}

// Cancel stops the timer, only the first call has any effect.
func (t *keepAliveTimer) Cancel() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
}

// expired reports whether a client last heard from at lastSeen has been
// quiet for longer than 1.5 times its keep alive, so one missed PINGREQ is
// tolerated.
func expired(now, lastSeen time.Time, keepAlive time.Duration) bool {
	if keepAlive <= 0 {
		return false
	}

	return now.Sub(lastSeen) > keepAlive+keepAlive/2
}
