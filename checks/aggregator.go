// Package checks polls upstream CI status and partitions check runs into
// pending, failed and passed rounds.
package checks

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deploybot/deploybot/domain"
)

const statusCompleted = "completed"

// CheckRun is the subset of a CI check run the aggregator consumes
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
	URL        string
}

// Source lists the latest check runs of a repository at a ref
type Source interface {
	ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error)
}

// Options configures an Aggregator
type Options struct {
	Repos              []string
	Ref                string
	Interval           time.Duration
	Ignored            []string
	PassingConclusions []string
}

// Aggregator runs polling rounds over a fixed set of repositories
type Aggregator struct {
	source   Source
	repos    []string
	ref      string
	interval time.Duration
	ignored  map[string]struct{}
	passing  map[string]struct{}
}

// NewAggregator creates an aggregator reading from source
func NewAggregator(source Source, opts Options) *Aggregator {
	a := &Aggregator{
		source:   source,
		repos:    opts.Repos,
		ref:      opts.Ref,
		interval: opts.Interval,
		ignored:  toSet(opts.Ignored),
		passing:  toSet(opts.PassingConclusions),
	}
	if a.ref == "" {
		a.ref = "main"
	}
	if a.interval <= 0 {
		a.interval = 2 * time.Minute
	}
	if len(a.passing) == 0 {
		a.passing = toSet([]string{"success"})
	}
	return a
}

// Repos returns the repositories queried each round
func (a *Aggregator) Repos() []string {
	return a.repos
}

// Classify maps a check run to its verdict. Only completed runs are judged
// by their conclusion; every other status counts as pending.
func (a *Aggregator) Classify(run CheckRun) domain.Classification {
	if run.Status != statusCompleted {
		return domain.CheckPending
	}
	if _, ok := a.passing[run.Conclusion]; ok {
		return domain.CheckPassed
	}
	return domain.CheckFailed
}

// Round queries every repository once and partitions the results. Queries
// run concurrently; the first transport error fails the whole round.
func (a *Aggregator) Round(ctx context.Context, number int) (domain.Round, error) {
	perRepo := make([][]domain.CheckResult, len(a.repos))

	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range a.repos {
		g.Go(func() error {
			runs, err := a.source.ListCheckRuns(gctx, repo, a.ref)
			if err != nil {
				return err
			}
			results := make([]domain.CheckResult, 0, len(runs))
			for _, run := range runs {
				if _, skip := a.ignored[run.Name]; skip {
					continue
				}
				results = append(results, domain.CheckResult{
					Repository:     repo,
					CheckName:      run.Name,
					URL:            run.URL,
					Classification: a.Classify(run),
				})
			}
			perRepo[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Check round failed",
			"layer", "checks",
			"operation", "round",
			"round", number,
			"error", err)
		return domain.Round{}, err
	}

	round := domain.Round{Number: number}
	for _, results := range perRepo {
		for _, result := range results {
			switch result.Classification {
			case domain.CheckPending:
				round.Pending = append(round.Pending, result)
			case domain.CheckFailed:
				round.Failed = append(round.Failed, result)
			default:
				round.Passed++
			}
		}
	}

	slog.Debug("Check round completed",
		"layer", "checks",
		"operation", "round",
		"round", number,
		"pending", len(round.Pending),
		"failed", len(round.Failed),
		"passed", round.Passed)

	return round, nil
}

// Rounds yields polling rounds until one is final, a query fails or ctx is
// cancelled. A cancelled wait ends the sequence without yielding; callers
// inspect ctx.Err() to tell cancellation from completion.
func (a *Aggregator) Rounds(ctx context.Context) iter.Seq2[domain.Round, error] {
	return func(yield func(domain.Round, error) bool) {
		timer := time.NewTimer(a.interval)
		defer timer.Stop()

		for number := 1; ; number++ {
			if ctx.Err() != nil {
				return
			}

			round, err := a.Round(ctx, number)
			if err != nil {
				if ctx.Err() == nil {
					yield(domain.Round{Number: number}, err)
				}
				return
			}
			if !yield(round, nil) || round.Final() {
				return
			}

			timer.Reset(a.interval)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
