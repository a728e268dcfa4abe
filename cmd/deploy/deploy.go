// Package deploy implements the deploy command, which drives a single
// deployment from the terminal.
package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/cmd/output"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
)

func NewCmdDeploy(loadConfig func() *config.Config) *cobra.Command {
	var (
		force     bool
		requester string
	)

	cmd := &cobra.Command{
		Use:   "deploy <target> <tag> [key=value...]",
		Short: "Deploy a target and follow its progress",
		Long: `Run a deployment of tag (web, backend, frontend or all) to target and
print its progress until it finishes. Interrupting the command cancels
the deployment.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printer := NewPrinter(cmd.OutOrStdout())
			a, err := app.New(loadConfig(), app.Options{Notifiers: []deployment.Notifier{printer}})
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer func() {
				_ = a.Shutdown(context.Background(), requester)
			}()

			return runDeploy(ctx, a, app.DeployRequest{
				Target:    args[0],
				Tag:       args[1],
				Args:      strings.Join(args[2:], " "),
				Requester: requester,
				Force:     force,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip CI checks (super users only)")
	cmd.Flags().StringVarP(&requester, "user", "u", currentUser(), "User the deployment is requested by")
	return cmd
}

// runDeploy starts the deployment and blocks until it is recorded. Once
// ctx is done the deployment is cancelled on behalf of the requester.
func runDeploy(ctx context.Context, a *app.App, req app.DeployRequest) error {
	started, err := a.Deploy(req)
	if err != nil {
		return fmt.Errorf("deployment rejected: %w", err)
	}
	d := started.Deployment

	select {
	case <-d.Done():
	case <-ctx.Done():
		// the deployment may have finished in the meantime
		_ = a.Cancel(d.TargetKey(), req.Requester)
		<-d.Done()
	}
	a.Wait()

	if state := d.State(); state != domain.StateDone {
		if err := d.Err(); err != nil {
			return fmt.Errorf("deployment %s: %w", state, err)
		}
		return fmt.Errorf("deployment %s", state)
	}
	return nil
}

// Printer writes lifecycle events to a terminal
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter creates a Printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Notify(ctx context.Context, event deployment.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprint(p.w, output.PrintEvent(event))
	return err
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
