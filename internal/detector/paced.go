package detector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

// Paced limits how often the wrapped prober is invoked. A probe that cannot
// get a token before ctx ends is indeterminate.
type Paced struct {
	Prober  Prober
	Limiter *rate.Limiter
}

// NewPaced wraps p with a limiter allowing perSecond probes and the given burst.
// perSecond <= 0 disables pacing.
func NewPaced(p Prober, perSecond float64, burst int) Prober {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return Paced{Prober: p, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (d Paced) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	if err := d.Limiter.Wait(ctx); err != nil {
		return operation.Indeterminate, fmt.Errorf("probe pacing: %w", err)
	}
	return d.Prober.Probe(ctx, pid)
}

func (d Paced) Describe() string { return "paced:" + d.Prober.Describe() }
