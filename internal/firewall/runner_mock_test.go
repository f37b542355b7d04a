package firewall

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner records each command as (name, args...). The context
// is not part of the recorded call.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	return m.Called(commandArgs(name, args)...).Error(0)
}

func commandArgs(name string, args []string) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}
