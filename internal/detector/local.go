package detector

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

// LocalProber checks pids on the machine running this process. It reads
// procfs when mounted and falls back to signal 0, where EPERM still counts
// as alive.
type LocalProber struct{}

func (LocalProber) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return operation.Indeterminate, err
	}
	if !operation.ValidPID(pid) {
		return operation.Dead, ErrInvalidPID
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	switch {
	case err != nil:
		return operation.Indeterminate, err
	case ok:
		return operation.Alive, nil
	default:
		return operation.Dead, nil
	}
}

func (LocalProber) Describe() string { return "local:pid" }
