package powershell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/charmbracelet/log"

	"github.com/firefart/exosafelist/internal/faults"
)

type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

type Runner struct {
	binary string
	logger *log.Logger
}

// NewRunner locates pwsh once. A missing interpreter is a setup problem
// on the operator machine, not something a later retry could fix.
func NewRunner(logger *log.Logger) (*Runner, error) {
	path, err := exec.LookPath("pwsh")
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, "could not find pwsh in PATH: %w", err)
	}
	return &Runner{binary: path, logger: logger}, nil
}

// Run executes the script and returns its output. A non-zero exit status
// is reported through the result, not as an error, so callers can read
// stderr before deciding what the failure means.
func (r *Runner) Run(ctx context.Context, script string) (*Result, error) {
	encoded, err := Encode(script)
	if err != nil {
		return nil, fmt.Errorf("could not encode script: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary, "-NoProfile", "-EncodedCommand", encoded)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debugf("running pwsh script (%d bytes)", len(script))
	err = cmd.Run()
	if ctx.Err() != nil {
		// a process killed by the context still yields an ExitError,
		// so the context has to be checked first
		return nil, ctx.Err()
	}
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("could not run pwsh: %w", err)
}
