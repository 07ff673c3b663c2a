package solver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandExecutor runs one solver process.
type CommandExecutor interface {
	// Run executes the command and returns its stdout. A non-zero exit is
	// reported as an error implementing ExitCode() int.
	Run() ([]byte, error)

	// SetStdin sets the stdin for the command.
	SetStdin(stdin []byte)
}

// CommandBuilder creates solver processes. The abstraction lets tests stand
// in for a real solver binary.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd to implement CommandExecutor.
type RealCommandExecutor struct {
	cmd *exec.Cmd
}

// Run executes the command. Stderr is captured in the *exec.ExitError.
func (r *RealCommandExecutor) Run() ([]byte, error) {
	return r.cmd.Output()
}

// SetStdin sets stdin for the command.
func (r *RealCommandExecutor) SetStdin(stdin []byte) {
	r.cmd.Stdin = bytes.NewReader(stdin)
}

// RealCommandBuilder implements CommandBuilder using exec.CommandContext.
type RealCommandBuilder struct{}

// BuildCommand creates a CommandExecutor for the given command and arguments.
func (RealCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	return &RealCommandExecutor{cmd: cmd}
}

// MockExitError is a non-zero exit returned by MockCommandExecutor.
type MockExitError struct {
	Code   int
	Stderr []byte
}

func (e *MockExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode returns the process exit code.
func (e *MockExitError) ExitCode() int { return e.Code }

// MockCommandExecutor implements CommandExecutor for testing.
type MockCommandExecutor struct {
	// Output is the stdout to return from Run.
	Output []byte
	// Err is the error to return from Run.
	Err error
	// Stdin holds the stdin data that was set.
	Stdin []byte
	// Respond, when set, computes the output from stdin instead of Output
	// and Err.
	Respond func(stdin []byte) ([]byte, error)
	// RunCalled indicates whether Run was called.
	RunCalled bool
}

// Run returns the configured output and error.
func (m *MockCommandExecutor) Run() ([]byte, error) {
	m.RunCalled = true
	if m.Respond != nil {
		return m.Respond(m.Stdin)
	}
	return m.Output, m.Err
}

// SetStdin records the stdin data.
func (m *MockCommandExecutor) SetStdin(stdin []byte) {
	m.Stdin = stdin
}

// MockBuiltCommand records details of a built command.
type MockBuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder implements CommandBuilder for testing.
type MockCommandBuilder struct {
	// Commands records all commands that were built.
	Commands []MockBuiltCommand
	// Executor is returned for every command. If nil, a default
	// MockCommandExecutor is created.
	Executor *MockCommandExecutor
}

// BuildCommand records the command and returns the configured executor.
func (b *MockCommandBuilder) BuildCommand(_ context.Context, name string, args ...string) CommandExecutor {
	b.Commands = append(b.Commands, MockBuiltCommand{Name: name, Args: args})
	if b.Executor == nil {
		b.Executor = &MockCommandExecutor{}
	}
	return b.Executor
}
