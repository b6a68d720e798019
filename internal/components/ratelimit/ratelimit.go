package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultInterval = 2 * time.Second

// Limiter enforces a minimum spacing between acquisitions per host. Distinct
// hosts never wait on each other.
type Limiter struct {
	interval time.Duration

	mutex sync.Mutex
	hosts map[string]*rate.Limiter
}

// New creates a limiter, a non-positive interval means DefaultInterval.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{
		interval: interval,
		hosts:    make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) Interval() time.Duration {
	return l.interval
}

func (l *Limiter) host(key string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	limiter, ok := l.hosts[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.hosts[key] = limiter
	}
	return limiter
}

// Acquire blocks until the host may be contacted again or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	return l.host(host).Wait(ctx)
}

// HostKey extracts the limiter key of a request URL.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
