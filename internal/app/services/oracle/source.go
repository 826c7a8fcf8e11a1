package oracle

import (
	"context"
	"math/big"
	"time"
)

// Sample is one raw observation from an upstream source before
// normalization.
type Sample struct {
	RawValue    *big.Int
	Decimals    uint8
	PublishedAt time.Time
}

// Source fetches raw price observations for an asset. Implementations
// adapt whatever transport the real feed uses; fetch failures are
// ordinary errors and are handled by the router's failover.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Sample, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, asset string) (Sample, error)

func (f SourceFunc) Name() string { return "func" }

func (f SourceFunc) Fetch(ctx context.Context, asset string) (Sample, error) {
	if f == nil {
		return Sample{}, ErrAllSourcesFailed
	}
	return f(ctx, asset)
}
