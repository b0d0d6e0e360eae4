package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/env"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

// Runner executes a shell command on some host and reports its exit code.
// err is reserved for failures to run the command at all; a command that ran
// and exited non-zero returns its code with a nil error.
type Runner interface {
	Run(ctx context.Context, cmd string) (exitCode int, err error)
}

// exitUnsure is returned by the probe script when ps failed in a way that
// says nothing about the pid.
const exitUnsure = 3

// ProbeCommand is the shell command used to test a pid. It runs under sh
// whatever the login shell is. Hosts with procfs answer from /proc, which
// sees processes of every user; elsewhere ps is asked, see psProbe.
func ProbeCommand(pid int) string {
	script := fmt.Sprintf("if [ -d /proc/self ]; then test -d /proc/%d; exit $?; fi; %s", pid, psProbe(pid))
	return "sh -c " + env.Quote(script)
}

// psProbe exits 1 only when ps ran cleanly and printed nothing, so a ps that
// rejects -p or -o (usage error, also exit 1) is not read as a dead pid.
func psProbe(pid int) string {
	return fmt.Sprintf(`out=$(ps -p %d -o pid= 2>&1); rc=$?; `+
		`if [ $rc -eq 0 ]; then exit 0; fi; `+
		`if [ $rc -eq 1 ] && [ -z "$out" ]; then exit 1; fi; exit %d`, pid, exitUnsure)
}

// CommandProber tests a pid by running ProbeCommand through a Runner.
// Exit 0 means alive and exit 1 means the pid is absent. Anything else,
// including a transport failure, is indeterminate.
type CommandProber struct {
	Runner Runner
	Name   string
}

func (d CommandProber) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	if !operation.ValidPID(pid) {
		return operation.Dead, ErrInvalidPID
	}
	if d.Runner == nil {
		return operation.Indeterminate, errors.New("command prober has no runner")
	}
	code, err := d.Runner.Run(ctx, ProbeCommand(pid))
	if err != nil {
		return operation.Indeterminate, err
	}
	switch code {
	case 0:
		return operation.Alive, nil
	case 1:
		return operation.Dead, nil
	default:
		return operation.Indeterminate, fmt.Errorf("probe pid %d: unexpected exit status %d", pid, code)
	}
}

func (d CommandProber) Describe() string {
	if d.Name == "" {
		return "cmd:ps"
	}
	return "cmd:ps@" + d.Name
}

// ExecRunner runs commands on the local host through /bin/sh.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, cmd string) (int, error) {
	_, code, err := r.Output(ctx, cmd)
	return code, err
}

// Output runs cmd and returns its stdout along with the exit code.
func (ExecRunner) Output(ctx context.Context, cmd string) (string, int, error) {
	var stdout bytes.Buffer
	// #nosec G204
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Stdout = &stdout
	err := c.Run()
	if err == nil {
		return stdout.String(), 0, nil
	}
	if ctx.Err() != nil {
		return "", -1, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return stdout.String(), ee.ExitCode(), nil
	}
	return "", -1, err
}
