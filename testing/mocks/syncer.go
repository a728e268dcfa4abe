package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/deploybot/deploybot/git"
)

// MockSyncer implements deployment.Syncer
type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) Sync(ctx context.Context) (git.SyncResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(git.SyncResult), args.Error(1)
}

// NewUpToDateSyncer returns a syncer that always reports success
func NewUpToDateSyncer() *MockSyncer {
	m := &MockSyncer{}
	m.On("Sync", mock.Anything).Return(git.SyncResult{FromCommit: "abc1234", ToCommit: "abc1234"}, nil)
	return m
}
