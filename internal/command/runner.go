// Package command runs external management tools (ufw, ping) behind a narrow
// interface so callers can be tested without root or a real firewall.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts process execution.
type Runner interface {
	// Run executes a command and discards its output.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns combined stdout and stderr.
	// The output is returned even when the command exits non-zero.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner executes real processes via os/exec.
type ExecRunner struct{}

// Default is the runner used when none is injected.
var Default Runner = &ExecRunner{}

// Run executes a command without capturing output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return &Error{Name: name, Args: args, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// Output executes a command and returns its combined output.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, &Error{Name: name, Args: args, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return out, nil
}

// Error describes a failed tool invocation with enough context to reproduce it.
type Error struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command %s failed: %v", e.CommandLine(), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CommandLine renders the invocation for logs.
func (e *Error) CommandLine() string {
	return strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
}
