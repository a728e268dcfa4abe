package checks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
)

// GitHubSource reads check runs from the GitHub REST API
type GitHubSource struct {
	client *github.Client
}

// NewGitHubSource creates a source authenticated with token. An empty token
// uses anonymous access; baseURL points at a GitHub Enterprise or test server.
func NewGitHubSource(httpClient *http.Client, token, baseURL string) (*GitHubSource, error) {
	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHubSource{client: client}, nil
}

// ListCheckRuns returns the check runs of the commit ref points to in repo
// ("owner/name"), following pagination.
func (s *GitHubSource) ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}

	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var runs []CheckRun
	for {
		result, resp, err := s.client.Checks.ListCheckRunsForRef(ctx, owner, name, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list check runs for %s: %w", repo, err)
		}
		for _, run := range result.CheckRuns {
			runs = append(runs, CheckRun{
				Name:       run.GetName(),
				Status:     run.GetStatus(),
				Conclusion: run.GetConclusion(),
				URL:        run.GetHTMLURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return runs, nil
}

// RepoFromURL extracts "owner/name" from a check run detail URL
func RepoFromURL(detailURL string) string {
	u, err := url.Parse(detailURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
