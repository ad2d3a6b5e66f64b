package server

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// livenessMonitor pings a peer on every tick and expires it once no inbound
// activity has been seen for longer than idleTimeout.
type livenessMonitor struct {
	clock       clock.Clock
	idleTimeout time.Duration
	lastActive  atomic.Int64
	ping        func() error
	expire      func(idle time.Duration)
}

func newLivenessMonitor(clk clock.Clock, idleTimeout time.Duration, ping func() error, expire func(time.Duration)) *livenessMonitor {
	p := &livenessMonitor{
		clock:       clk,
		idleTimeout: idleTimeout,
		ping:        ping,
		expire:      expire,
	}
	p.touch()
	return p
}

// touch records inbound activity: any frame or pong.
func (p *livenessMonitor) touch() {
	p.lastActive.Store(p.clock.Now().UnixNano())
}

func (p *livenessMonitor) idleFor() time.Duration {
	return p.clock.Now().Sub(time.Unix(0, p.lastActive.Load()))
}

// run blocks until done is closed or the peer expires. The ticker is created
// by the caller so it is armed before the connection starts reading.
func (p *livenessMonitor) run(ticker *clock.Ticker, done <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = p.ping()
			if idle := p.idleFor(); idle > p.idleTimeout {
				p.expire(idle)
				return
			}
		}
	}
}
