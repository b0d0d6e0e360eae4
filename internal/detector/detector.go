// Package detector answers whether a process id is alive on a host.
package detector

import (
	"context"
	"errors"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

// ErrInvalidPID is returned alongside operation.Dead for pids that cannot exist.
var ErrInvalidPID = errors.New("invalid pid")

// Prober is a strategy that determines if a process is running.
// A non-nil error always accompanies operation.Indeterminate, except for
// ErrInvalidPID which is a definitive Dead.
// It must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, pid int) (operation.Outcome, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
