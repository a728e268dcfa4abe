// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync/atomic"

	"github.com/deploybot/deploybot/checks"
)

// MockSource implements checks.Source. Without ListCheckRunsFunc every
// repository reports a single successful run.
type MockSource struct {
	ListCheckRunsFunc func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error)

	calls atomic.Int32
}

func (m *MockSource) ListCheckRuns(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
	m.calls.Add(1)
	if m.ListCheckRunsFunc != nil {
		return m.ListCheckRunsFunc(ctx, repo, ref)
	}
	return []checks.CheckRun{{Name: "test", Status: "completed", Conclusion: "success"}}, nil
}

// Calls returns how often ListCheckRuns was called
func (m *MockSource) Calls() int {
	return int(m.calls.Load())
}
