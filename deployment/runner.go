package deployment

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/metrics"
)

const dispatchBuffer = 64

// HistoryRecorder stores finished deployments
type HistoryRecorder interface {
	Record(ctx context.Context, entry *domain.HistoryEntry) error
}

// RunnerOptions configures a Runner. Only Registry is required.
type RunnerOptions struct {
	Registry *Registry
	Notifier Notifier
	History  HistoryRecorder
	Metrics  *metrics.Metrics
	Logs     *LogWriter
}

// Runner drives deployments through checks, repository sync and the
// provisioning run, reporting every step to its notifier.
type Runner struct {
	registry *Registry
	notifier Notifier
	history  HistoryRecorder
	metrics  *metrics.Metrics
	logs     *LogWriter
}

// NewRunner creates a runner
func NewRunner(opts RunnerOptions) *Runner {
	r := &Runner{
		registry: opts.Registry,
		notifier: opts.Notifier,
		history:  opts.History,
		metrics:  opts.Metrics,
		logs:     opts.Logs,
	}
	if r.notifier == nil {
		r.notifier = LogNotifier{}
	}
	return r
}

// Start runs d in the background
func (r *Runner) Start(ctx context.Context, d *Deployment, force bool) {
	go r.Run(ctx, d, force)
}

// Run drives d to a terminal state. With force the check phase is skipped.
// ctx only bounds notification delivery and history recording; d is
// cancelled through its own Cancel.
func (r *Runner) Run(ctx context.Context, d *Deployment, force bool) domain.Outcome {
	r.metrics.RecordStarted(d.TargetKey(), d.Tag().String())

	events := r.dispatch(ctx)
	events.send(r.event(EventStarted, d))

	unsubscribe := d.OnProgress(func(label string) {
		r.metrics.RecordProgress(label)
		e := r.event(EventProgress, d)
		e.Label = label
		// called from the process output pipe, so it must never block
		if !events.offer(e) {
			slog.Debug("Dropped progress notification",
				"layer", "deployment",
				"operation", "notify",
				"target", d.TargetKey(),
				"deployment_id", d.ID(),
				"label", label)
		}
	})

	outcome := r.run(d, force, events)
	unsubscribe()

	if outcome == domain.OutcomeAborted {
		events.send(r.event(EventAborted, d))
	}
	events.close()

	r.record(ctx, d)
	return outcome
}

func (r *Runner) run(d *Deployment, force bool, events *dispatcher) domain.Outcome {
	if force || d.SkipsChecks() {
		if err := d.SkipChecks(); err != nil {
			if errors.Is(err, errCancelled) {
				d.abort()
				return domain.OutcomeAborted
			}
			return r.failed(d, EventCheckError, err, events)
		}
	} else {
		timer := metrics.NewTimer()
		outcome, err := d.RunChecks(func(pending []domain.CheckResult) {
			e := r.event(EventChecksPending, d)
			e.Checks = pending
			events.send(e)
		})
		r.metrics.RecordPhase("checks", outcome.String(), timer.Duration())

		switch outcome {
		case domain.OutcomeAborted:
			return outcome
		case domain.OutcomeFailed:
			var checkErr *domain.CheckFailedError
			if errors.As(err, &checkErr) {
				for _, c := range checkErr.Failed {
					r.metrics.RecordCheckFailure(c.Repository)
				}
				e := r.event(EventChecksFailed, d)
				e.Checks = checkErr.Failed
				e.Err = err
				r.registry.evict(d)
				events.send(e)
				return outcome
			}
			return r.failed(d, EventCheckError, err, events)
		}
		events.send(r.event(EventChecksPassed, d))
	}

	timer := metrics.NewTimer()
	outcome, err := d.UpdateRepo()
	r.metrics.RecordPhase("sync", outcome.String(), timer.Duration())
	switch outcome {
	case domain.OutcomeAborted:
		return outcome
	case domain.OutcomeFailed:
		return r.failed(d, EventSyncFailed, err, events)
	}

	events.send(r.event(EventProvisionStarted, d))

	timer = metrics.NewTimer()
	outcome, err = d.RunPlaybook()
	r.metrics.RecordPhase("provision", outcome.String(), timer.Duration())
	switch outcome {
	case domain.OutcomeAborted:
		return outcome
	case domain.OutcomeFailed:
		var provisionErr *domain.ProvisionError
		if !errors.As(err, &provisionErr) {
			return r.failed(d, EventProvisionFailed, err, events)
		}
		e := r.event(EventProvisionFailed, d)
		e.Err = err
		if r.logs != nil {
			if path, werr := r.logs.Write(d); werr == nil {
				e.LogPath = path
			}
		}
		r.registry.evict(d)
		events.send(e)
		return outcome
	}

	events.send(r.event(EventProvisionSucceeded, d))
	return domain.OutcomeSucceeded
}

// failed settles d in error, frees its registry slot and reports err
func (r *Runner) failed(d *Deployment, kind EventKind, err error, events *dispatcher) domain.Outcome {
	d.finish(domain.StateError, err, "")
	if d.State() == domain.StateAborted {
		// cancelled while the failure was being reported
		return domain.OutcomeAborted
	}
	r.registry.evict(d)

	e := r.event(kind, d)
	e.Err = err
	events.send(e)
	return domain.OutcomeFailed
}

func (r *Runner) record(ctx context.Context, d *Deployment) {
	entry := d.HistoryEntry()
	r.metrics.RecordFinished(entry.Target, entry.State.String(), entry.Duration())

	if r.history == nil {
		return
	}
	if err := r.history.Record(ctx, entry); err != nil {
		slog.Error("Service operation failed",
			"layer", "deployment",
			"operation", "record_history",
			"target", entry.Target,
			"deployment_id", entry.ID,
			"error", err)
	}
}

func (r *Runner) event(kind EventKind, d *Deployment) Event {
	return Event{Kind: kind, Deployment: d.Snapshot()}
}

// dispatcher delivers events in order on its own goroutine
type dispatcher struct {
	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

func (r *Runner) dispatch(ctx context.Context) *dispatcher {
	d := &dispatcher{
		events: make(chan Event, dispatchBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for e := range d.events {
			if err := r.notifier.Notify(ctx, e); err != nil {
				slog.Warn("Failed to deliver notification",
					"layer", "deployment",
					"operation", "notify",
					"event", e.Kind,
					"target", e.Deployment.Target,
					"error", err)
			}
		}
	}()
	return d
}

// send queues e, waiting for room if the notifier falls behind
func (d *dispatcher) send(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.events <- e
}

// offer queues e unless the queue is full or closed
func (d *dispatcher) offer(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.events <- e:
		return true
	default:
		return false
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	<-d.done
}
