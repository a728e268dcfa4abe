// Package apptest builds fully wired applications backed by temporary
// directories and fake collaborators.
package apptest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/testing/mocks"
)

// Fixture is a test application with its fakes
type Fixture struct {
	App      *app.App
	Config   *config.Config
	Source   *mocks.MockSource
	Syncer   *mocks.MockSyncer
	Notifier *mocks.RecordingNotifier
}

// Config returns a configuration whose provisioning binary runs script.
// C_PROD polls checks, C_TEST skips them and accepts fragdenstaat_de.
func Config(t *testing.T, script string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	bin := filepath.Join(dir, "ansible-playbook")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))

	root := filepath.Join(dir, "ansible")
	require.NoError(t, os.MkdirAll(root, 0o755))

	return &config.Config{
		DataDir:            dir,
		DatabasePath:       filepath.Join(dir, config.DatabaseFile),
		LogDir:             filepath.Join(dir, config.LogsDir),
		LogLevel:           "info",
		LogFormat:          "text",
		HTTPHost:           "127.0.0.1",
		HTTPPort:           8080,
		CheckRepos:         []string{"okfde/froide", "okfde/fragdenstaat_de"},
		CheckRef:           "main",
		CheckInterval:      20 * time.Millisecond,
		IgnoredChecks:      []string{"Dependabot"},
		PassingConclusions: []string{"success", "neutral", "skipped"},
		AnsibleRoot:        root,
		AnsibleBin:         bin,
		AnsiblePlaybook:    "deploy.yml",
		Highlights:         []string{"Restart web"},
		KillGrace:          time.Second,
		GitRemote:          "origin",
		GitBranch:          "main",
		GitTimeout:         5 * time.Second,
		ActionTTL:          time.Hour,
		SuperUsers:         []string{"UADMIN"},
		Targets: []config.TargetConfig{
			{Key: "C_PROD", Name: "production", Inventory: "inventory"},
			{
				Key:         "C_TEST",
				Name:        "test",
				Inventory:   "test-inventory",
				SkipChecks:  true,
				AllowedArgs: map[string]string{"fragdenstaat_de": "git_branch"},
			},
		},
	}
}

// New creates an application running script as the provisioning binary.
// It is shut down when the test ends.
func New(t *testing.T, script string) *Fixture {
	t.Helper()
	return NewWithConfig(t, Config(t, script))
}

// NewWithConfig creates an application for cfg
func NewWithConfig(t *testing.T, cfg *config.Config) *Fixture {
	t.Helper()
	f := &Fixture{
		Config:   cfg,
		Source:   &mocks.MockSource{},
		Syncer:   mocks.NewUpToDateSyncer(),
		Notifier: &mocks.RecordingNotifier{},
	}

	a, err := app.New(cfg, app.Options{
		Source:    f.Source,
		Syncer:    f.Syncer,
		Notifiers: []deployment.Notifier{f.Notifier},
	})
	require.NoError(t, err)
	f.App = a

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx, "test")
	})
	return f
}
