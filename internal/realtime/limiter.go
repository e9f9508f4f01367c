package realtime

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultEventsPerSecond = 5
	DefaultBurst           = 5
)

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = DefaultEventsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// sweep drops limiters that have refilled to their burst.
func (p *limiterPool) sweep() {
	p.mu.Lock()
	for key, limiter := range p.m {
		if limiter.Tokens() >= float64(p.burst) {
			delete(p.m, key)
		}
	}
	p.mu.Unlock()
}
