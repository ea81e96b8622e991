// Package executor runs a single external command and classifies the
// outcome. Captured output and every surfaced error message pass through
// secret redaction before they reach a caller, a log line, or a comment.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Placeholder replaces each configured secret in surfaced text.
const Placeholder = "{SECRET}"

// Options configures a single command run.
type Options struct {
	// Dir is the working directory. Empty means the process's own.
	Dir string

	// Env is the complete environment for the command. Nil inherits the
	// process environment.
	Env []string

	// AllowedExitCodes are non-zero exit codes treated as success.
	AllowedExitCodes []int

	// AllowedStderr classifies captured stderr text as benign. A true
	// result makes the run succeed with stdout, ignoring stderr.
	AllowedStderr func(stderr string) bool

	// Secrets are substrings replaced by Placeholder in all surfaced
	// text: stdout, stderr, and error messages alike.
	Secrets []string

	// OnStart receives the live command after the process has started
	// and before the run settles, so a cancelling caller can signal it.
	OnStart func(cmd *exec.Cmd)
}

// Run executes path with args and returns the trimmed, redacted stdout on
// success. Failures are returned as error values, never panics, with all
// text already redacted.
func Run(ctx context.Context, path string, args []string, opts Options) (string, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %s", path, Redact(err.Error(), opts.Secrets))
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd)
	}

	runErr := cmd.Wait()
	outText := Redact(stdout.String(), opts.Secrets)
	errText := Redact(stderr.String(), opts.Secrets)

	if runErr != nil && !exitAllowed(runErr, opts.AllowedExitCodes) {
		msg := Redact(runErr.Error(), opts.Secrets)
		if strings.TrimSpace(errText) != "" {
			return "", fmt.Errorf("%s failed: %s: %s", path, msg, strings.TrimSpace(errText))
		}
		return "", fmt.Errorf("%s failed: %s", path, msg)
	}
	if opts.AllowedStderr != nil && opts.AllowedStderr(errText) {
		return strings.TrimSpace(outText), nil
	}
	if strings.TrimSpace(errText) != "" {
		return "", errors.New(strings.TrimSpace(errText))
	}
	return strings.TrimSpace(outText), nil
}

// exitAllowed reports whether the wait error carries an exit code the
// caller listed as acceptable. Launch-level errors have no exit code and
// are never allowed.
func exitAllowed(runErr error, allowed []int) bool {
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return false
	}
	code := exitErr.ExitCode()
	for _, a := range allowed {
		if code == a {
			return true
		}
	}
	return false
}

// Redact replaces each secret in text with Placeholder. Empty secrets are
// skipped.
func Redact(text string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	return text
}
