package history

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/cmd/output"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/repository"
	"github.com/deploybot/deploybot/testing/apptest"
)

func TestNewCmdHistory(t *testing.T) {
	cmd := NewCmdHistory(func() *config.Config { return nil })

	assert.Equal(t, "history", cmd.Use)

	limitFlag := cmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "50", limitFlag.DefValue)
	assert.Equal(t, "n", limitFlag.Shorthand)

	targetFlag := cmd.Flags().Lookup("target")
	require.NotNil(t, targetFlag)
	assert.Equal(t, "", targetFlag.DefValue)
}

func TestRunHistory_Empty(t *testing.T) {
	output.InitColors(true)
	f := apptest.New(t, "exit 0\n")

	var out bytes.Buffer
	require.NoError(t, runHistory(context.Background(), f.App, &out, "", repository.DefaultListLimit))
	assert.Equal(t, "No deployments recorded.\n", out.String())
}

func TestRunHistory_FiltersAndLimits(t *testing.T) {
	output.InitColors(true)
	f := apptest.New(t, "exit 0\n")

	for _, target := range []string{"C_TEST", "C_TEST", "C_PROD"} {
		started, err := f.App.Deploy(app.DeployRequest{Target: target, Requester: "U1", Tag: "web"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return started.Deployment.State() == domain.StateDone
		}, 5*time.Second, 10*time.Millisecond)
		f.App.Wait()
	}

	var out bytes.Buffer
	require.NoError(t, runHistory(context.Background(), f.App, &out, "C_TEST", 1))
	assert.Contains(t, out.String(), "C_TEST")
	assert.NotContains(t, out.String(), "C_PROD")
	// header plus one row
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 2)

	out.Reset()
	require.NoError(t, runHistory(context.Background(), f.App, &out, "", 10))
	assert.Contains(t, out.String(), "C_PROD")
}

func TestRunHistory_InvalidLimit(t *testing.T) {
	f := apptest.New(t, "exit 0\n")

	err := runHistory(context.Background(), f.App, &bytes.Buffer{}, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}
