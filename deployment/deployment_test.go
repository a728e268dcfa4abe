package deployment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/checks"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/git"
)

func TestDeployment_New(t *testing.T) {
	d := newTestDeployment(t, Dependencies{})

	assert.Equal(t, domain.StateQueued, d.State())
	assert.Equal(t, "C_PROD", d.TargetKey())
	assert.Equal(t, domain.TagWeb, d.Tag())
	assert.Equal(t, "U1", d.Requester())
	assert.False(t, d.IsRunning())
	assert.False(t, d.SafeToClear())
	assert.Equal(t, 0, d.RunningSince())
	assert.NotEqual(t, uuid.Nil, d.ID())
}

func TestDeployment_RunChecks_AllPassed(t *testing.T) {
	checker := &fakeChecker{rounds: []domain.Round{passedRound(1)}}
	d := newTestDeployment(t, Dependencies{Checks: checker})

	called := 0
	outcome, err := d.RunChecks(func([]domain.CheckResult) { called++ })

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, outcome)
	assert.Equal(t, domain.StateReady, d.State())
	assert.Equal(t, 0, called)
}

func TestDeployment_RunChecks_ThreeRepositoriesPassed(t *testing.T) {
	source := sourceFunc(func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
		return []checks.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success"}}, nil
	})
	aggregator := checks.NewAggregator(source, checks.Options{
		Repos:    []string{"o/a", "o/b", "o/c"},
		Interval: time.Millisecond,
	})
	d := newTestDeployment(t, Dependencies{Checks: aggregator})

	called := false
	outcome, err := d.RunChecks(func([]domain.CheckResult) { called = true })

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, outcome)
	assert.False(t, called)
}

func TestDeployment_RunChecks_PendingNotifiedOnce(t *testing.T) {
	checker := &fakeChecker{rounds: []domain.Round{pendingRound(1), pendingRound(2), passedRound(3)}}
	d := newTestDeployment(t, Dependencies{Checks: checker})

	var notified [][]domain.CheckResult
	outcome, err := d.RunChecks(func(pending []domain.CheckResult) {
		notified = append(notified, pending)
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, outcome)
	require.Len(t, notified, 1)
	assert.Equal(t, "test", notified[0][0].CheckName)
	assert.Equal(t, domain.StateReady, d.State())
}

func TestDeployment_RunChecks_PendingThenPassedWithAggregator(t *testing.T) {
	calls := 0
	source := sourceFunc(func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
		calls++
		if calls == 1 {
			return []checks.CheckRun{{Name: "ci", Status: "in_progress"}}, nil
		}
		return []checks.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success"}}, nil
	})
	aggregator := checks.NewAggregator(source, checks.Options{Repos: []string{"o/a"}, Interval: time.Millisecond})
	d := newTestDeployment(t, Dependencies{Checks: aggregator})

	notified := 0
	outcome, err := d.RunChecks(func([]domain.CheckResult) { notified++ })

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, outcome)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 2, calls)
}

func TestDeployment_RunChecks_Failed(t *testing.T) {
	checker := &fakeChecker{rounds: []domain.Round{failedRound(1)}}
	syncer := &fakeSyncer{}
	d := newTestDeployment(t, Dependencies{Checks: checker, Syncer: syncer})

	outcome, err := d.RunChecks(nil)

	assert.Equal(t, domain.OutcomeFailed, outcome)
	var checkErr *domain.CheckFailedError
	require.ErrorAs(t, err, &checkErr)
	require.Len(t, checkErr.Failed, 1)
	assert.Equal(t, "lint", checkErr.Failed[0].CheckName)
	assert.Equal(t, domain.StateError, d.State())
	assert.Equal(t, err, d.Err())

	// later phases are refused and never touch the repository
	outcome, err = d.UpdateRepo()
	assert.Equal(t, domain.OutcomeFailed, outcome)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.StateError, transitionErr.From)
	assert.Equal(t, int32(0), syncer.calls.Load())

	_, err = d.RunPlaybook()
	assert.True(t, domain.IsLogicError(err))
	assert.Equal(t, domain.StateError, d.State())
}

func TestDeployment_RunChecks_QueryError(t *testing.T) {
	checker := &fakeChecker{err: errors.New("401 Bad credentials")}
	d := newTestDeployment(t, Dependencies{Checks: checker})

	outcome, err := d.RunChecks(nil)

	assert.Equal(t, domain.OutcomeFailed, outcome)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query checks")
	assert.Equal(t, domain.StateError, d.State())
}

func TestDeployment_RunChecks_CancelledWhilePolling(t *testing.T) {
	checker := &fakeChecker{rounds: []domain.Round{pendingRound(1)}, block: true}
	d := newTestDeployment(t, Dependencies{Checks: checker})

	pending := make(chan struct{})
	type result struct {
		outcome domain.Outcome
		err     error
	}
	results := make(chan result, 1)
	go func() {
		outcome, err := d.RunChecks(func([]domain.CheckResult) { close(pending) })
		results <- result{outcome, err}
	}()

	select {
	case <-pending:
	case <-time.After(testTimeout):
		t.Fatal("pending callback not invoked")
	}
	assert.True(t, d.Cancel("U2"))

	select {
	case r := <-results:
		assert.Equal(t, domain.OutcomeAborted, r.outcome)
		assert.NoError(t, r.err)
	case <-time.After(testTimeout):
		t.Fatal("check phase did not stop after cancellation")
	}
	assert.Equal(t, domain.StateAborted, d.State())
	assert.Equal(t, "U2", d.CancelledBy())
	assert.NoError(t, d.Err())
}

func TestDeployment_RunChecks_OnlyFromQueued(t *testing.T) {
	d := newTestDeployment(t, Dependencies{Checks: &fakeChecker{rounds: []domain.Round{passedRound(1)}}})
	_, err := d.RunChecks(nil)
	require.NoError(t, err)

	outcome, err := d.RunChecks(nil)
	assert.Equal(t, domain.OutcomeFailed, outcome)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.StateReady, transitionErr.From)
	assert.Equal(t, domain.StateChecking, transitionErr.To)
}

func TestDeployment_PhasesAfterCancelReportAborted(t *testing.T) {
	d := newTestDeployment(t, Dependencies{})
	require.True(t, d.Cancel("U2"))

	outcome, err := d.RunChecks(nil)
	assert.Equal(t, domain.OutcomeAborted, outcome)
	assert.NoError(t, err)

	assert.ErrorIs(t, d.SkipChecks(), errCancelled)
	assert.Equal(t, domain.StateAborted, d.State())
}

func TestDeployment_SkipChecks(t *testing.T) {
	checker := &fakeChecker{}
	d := newTestDeployment(t, Dependencies{Checks: checker})

	require.NoError(t, d.SkipChecks())
	assert.Equal(t, domain.StateReady, d.State())
	assert.True(t, d.Forced())
	assert.Equal(t, int32(0), checker.calls.Load())

	var transitionErr *domain.TransitionError
	assert.ErrorAs(t, d.SkipChecks(), &transitionErr)
}

func TestDeployment_UpdateRepo(t *testing.T) {
	syncer := &fakeSyncer{result: git.SyncResult{ToCommit: "abc123", Updated: true}}
	d := newTestDeployment(t, Dependencies{Syncer: syncer})
	require.NoError(t, d.SkipChecks())

	var rec recorder
	rec.watch(d)

	outcome, err := d.UpdateRepo()
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, outcome)
	assert.Equal(t, domain.StateReady, d.State())
	assert.Equal(t, "abc123", d.Snapshot().Commit)
	assert.Equal(t, []string{"state:updating", "state:ready"}, rec.all())
}

func TestDeployment_UpdateRepo_OnlyFromReady(t *testing.T) {
	syncer := &fakeSyncer{}
	d := newTestDeployment(t, Dependencies{Syncer: syncer})

	outcome, err := d.UpdateRepo()
	assert.Equal(t, domain.OutcomeFailed, outcome)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.StateQueued, transitionErr.From)
	assert.Equal(t, domain.StateQueued, d.State())
	assert.Equal(t, int32(0), syncer.calls.Load())
}

func TestDeployment_UpdateRepo_Failure(t *testing.T) {
	syncer := &fakeSyncer{
		result: git.SyncResult{Stdout: "Counting objects", Stderr: "authentication required"},
		err:    errors.New("authentication required"),
	}
	d := newTestDeployment(t, Dependencies{Syncer: syncer})
	require.NoError(t, d.SkipChecks())

	outcome, err := d.UpdateRepo()

	assert.Equal(t, domain.OutcomeFailed, outcome)
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "Counting objects", syncErr.Stdout)
	assert.Equal(t, "authentication required", syncErr.Stderr)
	assert.Equal(t, domain.StateError, d.State())
}

func TestDeployment_UpdateRepo_Timeout(t *testing.T) {
	syncer := &fakeSyncer{block: true}
	d := newTestDeployment(t, Dependencies{Syncer: syncer, SyncTimeout: 20 * time.Millisecond})
	require.NoError(t, d.SkipChecks())

	outcome, err := d.UpdateRepo()

	assert.Equal(t, domain.OutcomeFailed, outcome)
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StateError, d.State())
}

func TestDeployment_UpdateRepo_Cancelled(t *testing.T) {
	syncer := &fakeSyncer{block: true, started: make(chan struct{})}
	d := newTestDeployment(t, Dependencies{Syncer: syncer})
	require.NoError(t, d.SkipChecks())

	outcomes := make(chan domain.Outcome, 1)
	go func() {
		outcome, _ := d.UpdateRepo()
		outcomes <- outcome
	}()

	<-syncer.started
	assert.True(t, d.IsRunning())
	d.Cancel("U2")

	select {
	case outcome := <-outcomes:
		assert.Equal(t, domain.OutcomeAborted, outcome)
	case <-time.After(testTimeout):
		t.Fatal("sync did not stop after cancellation")
	}
	assert.Equal(t, domain.StateAborted, d.State())
}

func TestDeployment_TerminalStatesAreAbsorbing(t *testing.T) {
	for _, terminal := range domain.TerminalStates() {
		t.Run(terminal.String(), func(t *testing.T) {
			d := newTestDeployment(t, Dependencies{})
			require.True(t, d.finish(terminal, nil, ""))

			for _, s := range []domain.State{domain.StateQueued, domain.StateChecking, domain.StateReady, domain.StateUpdating, domain.StateRunning} {
				err := d.transition(s)
				var transitionErr *domain.TransitionError
				require.ErrorAs(t, err, &transitionErr)
				assert.Equal(t, terminal, transitionErr.From)
				assert.Equal(t, terminal, d.State())
			}

			assert.False(t, d.finish(domain.StateDone, nil, ""))
			assert.False(t, d.Cancel("U2"))
			assert.Equal(t, terminal, d.State())
			assert.True(t, d.SafeToClear())
		})
	}
}

func TestDeployment_CancelIsIdempotent(t *testing.T) {
	d := newTestDeployment(t, Dependencies{})

	var rec recorder
	rec.watch(d)

	assert.True(t, d.Cancel("U2"))
	assert.False(t, d.Cancel("U3"))
	assert.Equal(t, "U2", d.CancelledBy())
	assert.Equal(t, []string{"state:aborted"}, rec.all())

	select {
	case <-d.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestDeployment_ListenersDroppedAfterTerminalState(t *testing.T) {
	d := newTestDeployment(t, Dependencies{})

	var rec recorder
	unsubscribe := d.OnState(func(s domain.State) { rec.add(s.String()) })
	require.NoError(t, d.SkipChecks())
	d.Cancel("")

	// registering on a finished deployment never fires
	d.OnState(func(s domain.State) { rec.add("late") })
	unsubscribe()

	assert.Equal(t, []string{"ready", "aborted"}, rec.all())
}

func TestDeployment_Unsubscribe(t *testing.T) {
	d := newTestDeployment(t, Dependencies{})

	var rec recorder
	unsubscribe := d.OnState(func(s domain.State) { rec.add(s.String()) })
	unsubscribe()
	require.NoError(t, d.SkipChecks())

	assert.Empty(t, rec.all())
}

func TestDeployment_Args(t *testing.T) {
	d := New(context.Background(), Request{
		TargetKey: "C_TEST",
		Tag:       domain.TagAll,
		RunArgs:   []string{"-i", "test-inventory"},
	}, Dependencies{Process: ProcessConfig{Playbook: "deploy.yml"}})
	defer d.Cancel("")

	assert.Equal(t, []string{
		"-t", "deploy-backend", "-t", "deploy-frontend",
		"-i", "test-inventory",
		"deploy.yml",
	}, d.Args())
}

func TestDeployment_Snapshot(t *testing.T) {
	args, err := domain.ParseExtraArgs(`fragdenstaat_de="feature branch"`)
	require.NoError(t, err)

	d := New(context.Background(), Request{
		TargetKey: "C_TEST",
		Requester: "U1",
		Tag:       domain.TagBackend,
		ExtraArgs: args,
	}, Dependencies{})
	require.NoError(t, d.SkipChecks())
	d.Cancel("U2")

	s := d.Snapshot()
	assert.Equal(t, d.ID(), s.ID)
	assert.Equal(t, "C_TEST", s.Target)
	assert.Equal(t, domain.TagBackend, s.Tag)
	assert.Equal(t, `fragdenstaat_de="feature branch"`, s.Args)
	assert.True(t, s.Forced)
	assert.Equal(t, domain.StateAborted, s.State)
	assert.Equal(t, "U2", s.CancelledBy)
	assert.Nil(t, s.StartedAt)
	require.NotNil(t, s.FinishedAt)

	entry := d.HistoryEntry()
	assert.Equal(t, d.ID(), entry.ID)
	assert.Equal(t, domain.StateAborted, entry.State)
	assert.Equal(t, *s.FinishedAt, entry.FinishedAt)
}

type sourceFunc func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error)

func (f sourceFunc) ListCheckRuns(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
	return f(ctx, repo, ref)
}
