package globals

import (
	"context"

	"bidaggregator/cmd/bidagg/config"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/ratelimit"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/store"
)

type key struct{}

// Value is everything a command needs, built once before it runs.
type Value struct {
	Config  config.Config
	Clock   chrono.API
	Tel     telemetry.API
	Store   *store.Store
	Limiter *ratelimit.Limiter
	Otel    telemetry.Otel
}

func Set(ctx context.Context, value *Value) context.Context {
	return context.WithValue(ctx, key{}, value)
}

func Get(ctx context.Context) *Value {
	return ctx.Value(key{}).(*Value)
}
