package deployment

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/git"
)

const testTimeout = 10 * time.Second

// fakeChecker yields preset rounds. With block set it waits for
// cancellation once the rounds are exhausted.
type fakeChecker struct {
	rounds []domain.Round
	err    error
	block  bool
	calls  atomic.Int32
}

func (f *fakeChecker) Rounds(ctx context.Context) iter.Seq2[domain.Round, error] {
	return func(yield func(domain.Round, error) bool) {
		f.calls.Add(1)
		for _, r := range f.rounds {
			if !yield(r, nil) || r.Final() {
				return
			}
		}
		if f.err != nil {
			yield(domain.Round{}, f.err)
			return
		}
		if f.block {
			<-ctx.Done()
		}
	}
}

// fakeSyncer returns a preset result; with block set it waits for ctx
type fakeSyncer struct {
	result  git.SyncResult
	err     error
	block   bool
	started chan struct{}
	calls   atomic.Int32
}

func (f *fakeSyncer) Sync(ctx context.Context) (git.SyncResult, error) {
	f.calls.Add(1)
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return git.SyncResult{Stderr: ctx.Err().Error()}, ctx.Err()
	}
	return f.result, f.err
}

func passedRound(n int) domain.Round {
	return domain.Round{Number: n, Passed: 3}
}

func pendingRound(n int) domain.Round {
	return domain.Round{
		Number:  n,
		Pending: []domain.CheckResult{{Repository: "okfde/froide", CheckName: "test", Classification: domain.CheckPending}},
		Passed:  1,
	}
}

func failedRound(n int) domain.Round {
	return domain.Round{
		Number: n,
		Failed: []domain.CheckResult{{Repository: "okfde/froide", CheckName: "lint", URL: "https://github.com/okfde/froide/runs/1", Classification: domain.CheckFailed}},
	}
}

// writeScript creates an executable shell script standing in for the
// provisioning binary
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ansible-playbook")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func highlights(t *testing.T, labels ...string) []*regexp.Regexp {
	t.Helper()
	patterns, err := config.CompileHighlights(labels)
	require.NoError(t, err)
	return patterns
}

func processConfig(t *testing.T, script string, labels ...string) ProcessConfig {
	t.Helper()
	return ProcessConfig{
		Bin:        writeScript(t, script),
		Dir:        t.TempDir(),
		Playbook:   "deploy.yml",
		Highlights: highlights(t, labels...),
		KillGrace:  300 * time.Millisecond,
	}
}

func newTestDeployment(t *testing.T, deps Dependencies) *Deployment {
	t.Helper()
	d := New(context.Background(), Request{
		TargetKey: "C_PROD",
		Requester: "U1",
		Tag:       domain.TagWeb,
	}, deps)
	t.Cleanup(func() { d.Cancel("cleanup") })
	return d
}

// recorder collects state and progress events in delivery order
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) watch(d *Deployment) {
	d.OnState(func(s domain.State) { r.add("state:" + s.String()) })
	d.OnProgress(func(label string) { r.add("progress:" + label) })
}

func waitDone(t *testing.T, d *Deployment) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(testTimeout):
		t.Fatalf("deployment did not finish, state %s", d.State())
	}
}

func testTargets() []config.TargetConfig {
	return []config.TargetConfig{
		{Key: "C_PROD", Name: "production", Inventory: "inventory"},
		{
			Key:         "C_TEST",
			Name:        "test",
			Inventory:   "test-inventory",
			SkipChecks:  true,
			AllowedArgs: map[string]string{"fragdenstaat_de": "git_branch"},
		},
	}
}
