package output

import (
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
)

func plainColors(t *testing.T) {
	t.Helper()
	InitColors(true)
	t.Cleanup(func() { maybeColorize = nil })
}

func TestInitColors(t *testing.T) {
	original := color.NoColor
	defer func() {
		color.NoColor = original
		maybeColorize = nil
	}()

	color.NoColor = false
	InitColors(false)
	assert.NotEqual(t, "test message", maybeColorize(Success, "test message"))

	InitColors(true)
	assert.Equal(t, "test message", maybeColorize(Success, "test message"))
}

func TestPrintMessage(t *testing.T) {
	plainColors(t)

	assert.Equal(t, "hello world\n", PrintMessage(Plain, "hello %s", "world"))
	assert.Equal(t, "failed\n", PrintMessage(Error, "failed"))
}

func TestPrintEvent(t *testing.T) {
	plainColors(t)

	s := deployment.Snapshot{Target: "C_PROD", Tag: domain.TagWeb, Requester: "U1"}

	got := PrintEvent(deployment.Event{Kind: deployment.EventStarted, Deployment: s})
	assert.Equal(t, "[C_PROD] web deployment by U1 started\n", got)

	got = PrintEvent(deployment.Event{
		Kind:       deployment.EventChecksFailed,
		Deployment: s,
		Checks:     []domain.CheckResult{{Repository: "okfde/froide", CheckName: "lint", URL: "https://ci/1"}},
		Err:        errors.New("checks have failed"),
	})
	assert.Equal(t, "[C_PROD] web deployment by U1: checks have failed\n  Failed checks:\n    okfde/froide: <https://ci/1|lint>\n", got)
}

func TestPrintRound(t *testing.T) {
	plainColors(t)

	got, err := PrintRound(domain.Round{Number: 1, Passed: 4})
	require.NoError(t, err)
	assert.Equal(t, "4 passed, 0 pending, 0 failed\n", got)

	got, err = PrintRound(domain.Round{
		Number:  1,
		Passed:  1,
		Pending: []domain.CheckResult{{Repository: "okfde/froide", CheckName: "test"}},
		Failed:  []domain.CheckResult{{Repository: "okfde/fragdenstaat_de", CheckName: "lint"}},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "okfde/fragdenstaat_de")
	assert.Contains(t, got, "failed")
	assert.Contains(t, got, "pending")
	assert.Contains(t, got, "1 passed, 1 pending, 1 failed")
}

func TestPrintHistory(t *testing.T) {
	plainColors(t)

	got, err := PrintHistory(nil)
	require.NoError(t, err)
	assert.Equal(t, "No deployments recorded.\n", got)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err = PrintHistory([]*domain.HistoryEntry{{
		ID:         uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Target:     "C_PROD",
		Tag:        domain.TagAll,
		Requester:  "UADMIN",
		Forced:     true,
		State:      domain.StateDone,
		CreatedAt:  created,
		FinishedAt: created.Add(95 * time.Second),
	}})
	require.NoError(t, err)
	assert.Contains(t, got, "6ba7b810")
	assert.Contains(t, got, "UADMIN (forced)")
	assert.Contains(t, got, "1m35s")
	assert.Contains(t, got, "done")
}

func TestPrintSnapshot(t *testing.T) {
	plainColors(t)

	got, err := PrintSnapshot(deployment.Snapshot{
		ID:          uuid.New(),
		Target:      "C_TEST",
		Tag:         domain.TagBackend,
		Requester:   "U1",
		Args:        "fragdenstaat_de=feature",
		State:       domain.StateAborted,
		CancelledBy: "U2",
		Elapsed:     12,
	})
	require.NoError(t, err)
	assert.Contains(t, got, "fragdenstaat_de=feature")
	assert.Contains(t, got, "Cancelled By")
	assert.Contains(t, got, "12s")
	assert.NotContains(t, got, "Commit")
}

func TestNoColorFlag(t *testing.T) {
	flag := &noColorFlag{}

	assert.False(t, flag.IsSet())
	assert.Equal(t, "false", flag.String())
	assert.Equal(t, "bool", flag.Type())
	assert.True(t, flag.IsBoolFlag())

	require.NoError(t, flag.Set("anything"))
	assert.True(t, flag.IsSet())
	assert.Equal(t, "true", flag.String())
}
