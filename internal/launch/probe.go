package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrVersionUnknown = errors.New("launch: backend version not reported")

// Runner executes a short-lived host command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), err
	}
	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// Probe runs "<binary> --version" and returns the version it reports, as
// in "Tor version 0.4.8.12." -> "0.4.8.12".
func Probe(ctx context.Context, r Runner, binary string) (string, error) {
	if binary == "" {
		return "", ErrBinaryRequired
	}
	stdout, stderr, code, err := r.Run(ctx, binary, "--version")
	if err != nil {
		return "", fmt.Errorf("launch: probe %s (exit %d): %w: %s", binary, code, err, strings.TrimSpace(string(stderr)))
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if strings.EqualFold(fields[i], "version") {
				return strings.TrimSuffix(fields[i+1], "."), nil
			}
		}
	}
	return "", ErrVersionUnknown
}
