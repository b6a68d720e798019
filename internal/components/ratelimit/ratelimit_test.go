package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpacingPerHost(t *testing.T) {
	limiter := New(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Acquire(ctx, "www.kkj.go.jp"))
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDistinctHostsDoNotBlock(t *testing.T) {
	limiter := New(time.Second)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for _, host := range []string{"a.example", "b.example", "c.example"} {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			require.NoError(t, limiter.Acquire(ctx, host))
		}(host)
	}
	wg.Wait()
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireCancelled(t *testing.T) {
	limiter := New(time.Hour)
	require.NoError(t, limiter.Acquire(context.Background(), "slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, limiter.Acquire(ctx, "slow.example"))
}

func TestHostKey(t *testing.T) {
	require.Equal(t, "www.p-portal.go.jp", HostKey("https://www.p-portal.go.jp/pps-web-biz/UAA01/OAA0100"))
	require.Equal(t, "not a url", HostKey("not a url"))
	require.Equal(t, DefaultInterval, New(0).Interval())
}
