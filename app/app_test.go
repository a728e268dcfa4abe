package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/actiontoken"
	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/checks"
	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/testing/apptest"
)

const sleepScript = "sleep 30\n"

func waitForState(t *testing.T, d *deployment.Deployment, state domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.State() == state
	}, 10*time.Second, 10*time.Millisecond, "deployment stuck in %s", d.State())
}

func TestDeploy_Success(t *testing.T) {
	f := apptest.New(t, "echo 'TASK [Restart web] ***'\n")

	started, err := f.App.Deploy(app.DeployRequest{Target: "C_PROD", Requester: "U1", Tag: "web"})
	require.NoError(t, err)
	assert.NotEmpty(t, started.CancelToken)

	f.App.Wait()

	d := started.Deployment
	assert.Equal(t, domain.StateDone, d.State())
	assert.Equal(t, 2, f.Source.Calls())
	f.Syncer.AssertNumberOfCalls(t, "Sync", 1)
	assert.Equal(t, []deployment.EventKind{
		deployment.EventStarted,
		deployment.EventChecksPassed,
		deployment.EventProvisionStarted,
		deployment.EventProgress,
		deployment.EventProvisionSucceeded,
	}, f.Notifier.Kinds())

	entries, err := f.App.History.List(context.Background(), "C_PROD", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, d.ID(), entries[0].ID)
	assert.Equal(t, domain.StateDone, entries[0].State)
	assert.Contains(t, entries[0].Output, "Restart web")
}

func TestDeploy_Rejected(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	tests := []struct {
		name string
		req  app.DeployRequest
		err  error
	}{
		{"unknown target", app.DeployRequest{Target: "C_NONE", Requester: "U1", Tag: "web"}, domain.ErrUnknownTarget},
		{"invalid tag", app.DeployRequest{Target: "C_PROD", Requester: "U1", Tag: "database"}, domain.ErrInvalidTag},
		{"force without permission", app.DeployRequest{Target: "C_PROD", Requester: "U1", Tag: "web", Force: true}, domain.ErrForceNotAllowed},
		{"argument not allowed", app.DeployRequest{Target: "C_PROD", Requester: "U1", Tag: "web", Args: "fragdenstaat_de=x"}, domain.ErrArgNotAllowed},
		{"duplicate argument", app.DeployRequest{Target: "C_TEST", Requester: "U1", Tag: "web", Args: "fragdenstaat_de=a fragdenstaat_de=b"}, domain.ErrDuplicateArg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.App.Deploy(tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Empty(t, f.App.Registry.List())
}

func TestDeploy_ForcedBySuperUser(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	started, err := f.App.Deploy(app.DeployRequest{Target: "C_PROD", Requester: "UADMIN", Tag: "all", Force: true})
	require.NoError(t, err)
	f.App.Wait()

	assert.Equal(t, domain.StateDone, started.Deployment.State())
	assert.True(t, started.Deployment.Forced())
	assert.Equal(t, 0, f.Source.Calls())
}

func TestDeploy_AlreadyActive(t *testing.T) {
	f := apptest.New(t, sleepScript)

	started, err := f.App.Deploy(app.DeployRequest{Target: "C_TEST", Requester: "U1", Tag: "web"})
	require.NoError(t, err)
	waitForState(t, started.Deployment, domain.StateRunning)

	_, err = f.App.Deploy(app.DeployRequest{Target: "C_TEST", Requester: "U2", Tag: "web"})
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)

	assert.ErrorIs(t, f.App.Clear("C_TEST"), domain.ErrStillRunning)
	require.NoError(t, f.App.Cancel("C_TEST", "U1"))
	f.App.Wait()
	assert.Equal(t, domain.StateAborted, started.Deployment.State())
}

func TestCancelWithToken(t *testing.T) {
	f := apptest.New(t, sleepScript)

	started, err := f.App.Deploy(app.DeployRequest{Target: "C_TEST", Requester: "U1", Tag: "backend"})
	require.NoError(t, err)
	waitForState(t, started.Deployment, domain.StateRunning)

	target, err := f.App.CancelWithToken(started.CancelToken, "U2")
	require.NoError(t, err)
	assert.Equal(t, "C_TEST", target)

	f.App.Wait()
	assert.Equal(t, domain.StateAborted, started.Deployment.State())
	assert.Equal(t, "U2", started.Deployment.CancelledBy())
	assert.Equal(t, deployment.EventAborted, f.Notifier.Kinds()[len(f.Notifier.Kinds())-1])

	// a token only cancels a deployment once
	_, err = f.App.CancelWithToken(started.CancelToken, "U2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelWithToken_Invalid(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	_, err := f.App.CancelWithToken("garbage", "U2")
	assert.ErrorIs(t, err, actiontoken.ErrInvalidToken)
}

func TestCancel_NotFound(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	assert.ErrorIs(t, f.App.Cancel("C_PROD", "U1"), domain.ErrNotFound)
	assert.ErrorIs(t, f.App.Clear("C_PROD"), domain.ErrNotFound)
}

func TestClear_Finished(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	_, err := f.App.Deploy(app.DeployRequest{Target: "C_TEST", Requester: "U1", Tag: "web"})
	require.NoError(t, err)
	f.App.Wait()

	require.NoError(t, f.App.Clear("C_TEST"))
	_, ok := f.App.Registry.Get("C_TEST")
	assert.False(t, ok)
}

func TestCheckStatus(t *testing.T) {
	f := apptest.New(t, "exit 0\n")
	f.Source.ListCheckRunsFunc = func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
		if repo == "okfde/froide" {
			return []checks.CheckRun{{Name: "lint", Status: "in_progress"}}, nil
		}
		return []checks.CheckRun{{Name: "test", Status: "completed", Conclusion: "failure"}}, nil
	}

	round, err := f.App.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, round.Pending, 1)
	assert.Len(t, round.Failed, 1)
	assert.True(t, round.HasFailed())
}

func TestCheckStatus_Error(t *testing.T) {
	f := apptest.New(t, "exit 0\n")
	f.Source.ListCheckRunsFunc = func(ctx context.Context, repo, ref string) ([]checks.CheckRun, error) {
		return nil, errors.New("API rate limit exceeded")
	}

	_, err := f.App.CheckStatus(context.Background())
	assert.ErrorContains(t, err, "rate limit")
}

func TestShutdown_CancelsRunning(t *testing.T) {
	f := apptest.New(t, sleepScript)

	started, err := f.App.Deploy(app.DeployRequest{Target: "C_TEST", Requester: "U1", Tag: "web"})
	require.NoError(t, err)
	waitForState(t, started.Deployment, domain.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.App.Shutdown(ctx, "shutdown"))

	assert.Equal(t, domain.StateAborted, started.Deployment.State())
	assert.Equal(t, "shutdown", started.Deployment.CancelledBy())
}
