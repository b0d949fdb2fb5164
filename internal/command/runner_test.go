package command

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Output(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{}

	out, err := r.Output(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExecRunner_FailureKeepsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{}

	out, err := r.Output(context.Background(), "sh", "-c", "echo partial; exit 3")
	require.Error(t, err)
	assert.Equal(t, "partial\n", string(out))

	var cmdErr *Error
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "sh", cmdErr.Name)
	assert.Equal(t, "partial", cmdErr.Output)
	assert.Contains(t, err.Error(), "sh -c echo partial; exit 3")

	var exitErr *exec.ExitError
	assert.True(t, errors.As(err, &exitErr))
}

func TestExecRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{}

	assert.NoError(t, r.Run(context.Background(), "sh", "-c", "true"))
	assert.Error(t, r.Run(context.Background(), "sh", "-c", "false"))
}

func TestMockRunner(t *testing.T) {
	m := new(MockRunner)
	m.On("Output", "ufw", "status", "numbered").Return([]byte("Status: active\n"), nil)
	m.On("Run", "ufw", "--force", "delete", "3").Return(errors.New("boom"))

	out, err := m.Output(context.Background(), "ufw", "status", "numbered")
	require.NoError(t, err)
	assert.Equal(t, "Status: active\n", string(out))

	assert.EqualError(t, m.Run(context.Background(), "ufw", "--force", "delete", "3"), "boom")
	m.AssertExpectations(t)
}
