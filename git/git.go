// Package git keeps the provisioning control repository in sync with its remote.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// AuthConfig selects how the remote is accessed. An empty config means a
// public or locally reachable remote.
type AuthConfig struct {
	Username      string
	Token         string
	SSHUser       string
	SSHPrivateKey []byte
}

// Options configures a Syncer
type Options struct {
	Dir    string
	Remote string
	Branch string
	Auth   AuthConfig
}

// SyncResult describes one synchronization attempt. Stdout carries fetch
// progress and a summary line; Stderr carries the failure text, if any.
type SyncResult struct {
	FromCommit string
	ToCommit   string
	Updated    bool
	Stdout     string
	Stderr     string
}

// Syncer fast-forwards (or force-resets) a working copy to its remote branch
type Syncer struct {
	dir    string
	remote string
	branch string
	auth   AuthConfig
}

// NewSyncer creates a syncer for the repository at opts.Dir
func NewSyncer(opts Options) *Syncer {
	s := &Syncer{
		dir:    opts.Dir,
		remote: opts.Remote,
		branch: opts.Branch,
		auth:   opts.Auth,
	}
	if s.remote == "" {
		s.remote = "origin"
	}
	if s.branch == "" {
		s.branch = "main"
	}
	return s
}

// Dir returns the working copy path
func (s *Syncer) Dir() string {
	return s.dir
}

// createAuthMethod creates a transport.AuthMethod from AuthConfig
func (s *Syncer) createAuthMethod() (transport.AuthMethod, error) {
	if s.auth.Token != "" {
		username := s.auth.Username
		if username == "" {
			username = "git"
		}
		return &http.BasicAuth{
			Username: username,
			Password: s.auth.Token,
		}, nil
	}

	if len(s.auth.SSHPrivateKey) > 0 {
		user := s.auth.SSHUser
		if user == "" {
			user = "git"
		}
		return ssh.NewPublicKeys(user, s.auth.SSHPrivateKey, "")
	}

	return nil, nil
}

// Sync fetches the configured branch and moves the working copy onto it.
// Untracked files are preserved, local changes to tracked files are
// discarded. ctx bounds the whole operation, including the network fetch.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	var progress bytes.Buffer

	fail := func(operation string, err error) (SyncResult, error) {
		slog.Error("Service operation failed",
			"layer", "git",
			"operation", operation,
			"git_branch", s.branch,
			"working_dir", s.dir,
			"error", err)
		result.Stdout = progress.String()
		result.Stderr = err.Error()
		return result, err
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return fail("git_sync_open", fmt.Errorf("failed to open repository: %w", err))
	}

	authMethod, err := s.createAuthMethod()
	if err != nil {
		return fail("git_sync_auth", fmt.Errorf("failed to create auth method: %w", err))
	}

	if head, err := repo.Head(); err == nil {
		result.FromCommit = head.Hash().String()
	}

	remoteRef := plumbing.NewRemoteReferenceName(s.remote, s.branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: s.remote,
		Auth:       authMethod,
		Progress:   &progress,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", s.branch, remoteRef)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("fetch interrupted: %w", ctxErr)
		}
		return fail("git_sync_fetch", fmt.Errorf("failed to fetch %s/%s: %w", s.remote, s.branch, err))
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return fail("git_sync_remote_ref", fmt.Errorf("failed to get remote reference %s: %w", remoteRef, err))
	}
	result.ToCommit = ref.Hash().String()

	if result.FromCommit == result.ToCommit {
		fmt.Fprintf(&progress, "Already up to date at %s.\n", short(result.ToCommit))
		result.Stdout = progress.String()
		slog.Debug("Repository already up to date", "git_branch", s.branch, "working_dir", s.dir)
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return fail("git_sync_checkout", fmt.Errorf("sync interrupted: %w", err))
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fail("git_sync_worktree", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Hash: ref.Hash(),
		Keep: true,
	})
	if err != nil {
		return fail("git_sync_checkout", fmt.Errorf("failed to checkout files from %s: %w", result.ToCommit, err))
	}

	if err := resetTrackedFiles(worktree); err != nil {
		return fail("git_sync_reset_tracked", err)
	}

	result.Updated = true
	fmt.Fprintf(&progress, "Updated %s from %s to %s.\n", s.branch, short(result.FromCommit), short(result.ToCommit))
	result.Stdout = progress.String()

	slog.Info("Repository updated successfully",
		"git_branch", s.branch,
		"working_dir", s.dir,
		"from_commit", result.FromCommit,
		"to_commit", result.ToCommit)

	return result, nil
}

// Head returns the commit the working copy is on
func (s *Syncer) Head() (string, error) {
	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// resetTrackedFiles resets all tracked files in the worktree to their last committed state
// while leaving untracked files intact.
func resetTrackedFiles(worktree *git.Worktree) error {
	changedFiles, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}

	resetFiles := make([]string, 0, len(changedFiles))
	for file, status := range changedFiles {
		if status.Staging != git.Untracked {
			resetFiles = append(resetFiles, file)
		}
	}

	if len(resetFiles) > 0 {
		err = worktree.Reset(&git.ResetOptions{
			Mode:  git.HardReset,
			Files: resetFiles,
		})
		if err != nil {
			return fmt.Errorf("failed to reset tracked files: %w", err)
		}
	}

	return nil
}

// LoadSSHKey reads a private key file for AuthConfig.SSHPrivateKey
func LoadSSHKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	return key, nil
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	if hash == "" {
		return "nothing"
	}
	return hash
}
