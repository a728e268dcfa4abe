// Package app wires configuration, storage, CI checks, the control
// repository and the deployment registry into one application context.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"gorm.io/gorm"

	"github.com/deploybot/deploybot/actiontoken"
	"github.com/deploybot/deploybot/checks"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/db"
	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/git"
	"github.com/deploybot/deploybot/metrics"
	"github.com/deploybot/deploybot/repository"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Options overrides collaborators, mostly for tests. Zero values select
// the production implementations.
type Options struct {
	Source     checks.Source
	Syncer     deployment.Syncer
	Notifiers  []deployment.Notifier
	HTTPClient *http.Client
}

// DeployRequest is a deployment request as received from an operator
type DeployRequest struct {
	Target    string
	Requester string
	Tag       string
	Args      string
	Force     bool
}

// Started is the result of a successful deployment request
type Started struct {
	Deployment  *deployment.Deployment
	CancelToken string
}

// App is the process-scoped application context
type App struct {
	Config   *config.Config
	Registry *deployment.Registry
	Runner   *deployment.Runner
	Checks   *checks.Aggregator
	History  repository.HistoryRepository
	Metrics  *metrics.Metrics
	Tokens   *actiontoken.Issuer
	Logs     *deployment.LogWriter

	database *gorm.DB
	ctx      context.Context
	cancel   context.CancelFunc
	runs     sync.WaitGroup
}

// New initializes the application from cfg
func New(cfg *config.Config, opts Options) (*App, error) {
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	tokens, err := actiontoken.NewIssuer(cfg.ActionKey, cfg.ActionTTL)
	if err != nil {
		_ = db.Close(database)
		return nil, err
	}

	source := opts.Source
	if source == nil {
		source, err = checks.NewGitHubSource(opts.HTTPClient, cfg.GitHubToken, cfg.GitHubBaseURL)
		if err != nil {
			_ = db.Close(database)
			return nil, err
		}
	}

	syncer := opts.Syncer
	if syncer == nil {
		syncer, err = newSyncer(cfg)
		if err != nil {
			_ = db.Close(database)
			return nil, err
		}
	}

	aggregator := checks.NewAggregator(source, checks.Options{
		Repos:              cfg.CheckRepos,
		Ref:                cfg.CheckRef,
		Interval:           cfg.CheckInterval,
		Ignored:            cfg.IgnoredChecks,
		PassingConclusions: cfg.PassingConclusions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:   cfg,
		Checks:   aggregator,
		History:  repository.NewHistoryRepository(database),
		Metrics:  metrics.New(),
		Tokens:   tokens,
		Logs:     deployment.NewLogWriter(cfg.LogDir),
		database: database,
		ctx:      ctx,
		cancel:   cancel,
	}

	a.Registry = deployment.NewRegistry(ctx, deployment.Dependencies{
		Checks:      aggregator,
		Syncer:      syncer,
		SyncTimeout: cfg.GitTimeout,
		Process: deployment.ProcessConfig{
			Bin:        cfg.AnsibleBin,
			Dir:        cfg.AnsibleRoot,
			Playbook:   cfg.AnsiblePlaybook,
			Highlights: cfg.HighlightPatterns(),
			KillGrace:  cfg.KillGrace,
		},
	}, cfg.Targets)

	a.Runner = deployment.NewRunner(deployment.RunnerOptions{
		Registry: a.Registry,
		Notifier: newNotifier(cfg, opts),
		History:  a.History,
		Metrics:  a.Metrics,
		Logs:     a.Logs,
	})

	slog.Debug("Application initialized",
		"layer", "app",
		"data_dir", cfg.DataDir,
		"targets", len(cfg.Targets),
		"check_repos", cfg.CheckRepos)
	return a, nil
}

func newSyncer(cfg *config.Config) (*git.Syncer, error) {
	key, err := git.LoadSSHKey(cfg.GitSSHKey)
	if err != nil {
		return nil, err
	}
	return git.NewSyncer(git.Options{
		Dir:    cfg.AnsibleRoot,
		Remote: cfg.GitRemote,
		Branch: cfg.GitBranch,
		Auth: git.AuthConfig{
			Username:      cfg.GitUsername,
			Token:         cfg.GitToken,
			SSHPrivateKey: key,
		},
	}), nil
}

func newNotifier(cfg *config.Config, opts Options) deployment.Notifier {
	notifiers := deployment.MultiNotifier{deployment.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, deployment.NewWebhookNotifier(cfg.WebhookURL, opts.HTTPClient))
	}
	return append(notifiers, opts.Notifiers...)
}

// Deploy validates req, registers the deployment and starts driving it in
// the background
func (a *App) Deploy(req DeployRequest) (*Started, error) {
	if req.Force && !a.Config.IsSuperUser(req.Requester) {
		return nil, domain.ErrForceNotAllowed
	}

	tag, err := domain.ParseTag(req.Tag)
	if err != nil {
		return nil, err
	}
	args, err := domain.ParseExtraArgs(req.Args)
	if err != nil {
		return nil, err
	}

	d, err := a.Registry.Create(req.Target, req.Requester, tag, args)
	if err != nil {
		return nil, err
	}

	token, err := a.Tokens.Issue(actiontoken.ActionCancel, d.TargetKey(), d.ID())
	if err != nil {
		// the deployment is still valid without a cancel button
		slog.Warn("Failed to issue cancel token",
			"layer", "app",
			"operation", "deploy",
			"target", d.TargetKey(),
			"deployment_id", d.ID(),
			"error", err)
	}

	a.runs.Go(func() {
		a.Runner.Run(context.WithoutCancel(a.ctx), d, req.Force)
	})

	return &Started{Deployment: d, CancelToken: token}, nil
}

// Cancel aborts the deployment registered for target
func (a *App) Cancel(target, actor string) error {
	if !a.Registry.Cancel(target, actor) {
		return domain.ErrNotFound
	}
	return nil
}

// CancelWithToken aborts the deployment a cancel token was issued for. A
// token for a deployment that has since been replaced is rejected.
func (a *App) CancelWithToken(token, actor string) (string, error) {
	claims, err := a.Tokens.Verify(token)
	if err != nil {
		return "", err
	}
	if claims.Action != actiontoken.ActionCancel {
		return "", actiontoken.ErrInvalidToken
	}

	d, ok := a.Registry.Get(claims.Target)
	if !ok || d.ID() != claims.DeploymentID {
		return "", domain.ErrNotFound
	}
	if !d.Cancel(actor) {
		return "", domain.ErrNotFound
	}
	return claims.Target, nil
}

// Clear drops the deployment registered for target unless it is running
func (a *App) Clear(target string) error {
	if _, ok := a.Registry.Get(target); !ok {
		return domain.ErrNotFound
	}
	if !a.Registry.Clear(target) {
		return domain.ErrStillRunning
	}
	return nil
}

// CheckStatus runs a single aggregated check round
func (a *App) CheckStatus(ctx context.Context) (domain.Round, error) {
	return a.Checks.Round(ctx, 1)
}

// Wait blocks until every deployment started by Deploy has been recorded
func (a *App) Wait() {
	a.runs.Wait()
}

// Shutdown cancels all deployments, waits for their runners to finish
// recording and closes the database
func (a *App) Shutdown(ctx context.Context, actor string) error {
	if a.Registry.CancelAll(actor) {
		slog.Warn("Cancelled running deployments on shutdown", "layer", "app", "actor", actor)
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("deployments did not finish: %w", ctx.Err())
	}

	return errors.Join(waitErr, db.Close(a.database))
}
