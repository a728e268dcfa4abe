// Package deployment implements the deployment lifecycle: the per-target
// state machine, the registry enforcing one active deployment per target,
// supervision of the provisioning process and the runner that drives it all.
package deployment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/git"
)

// errCancelled reports that a phase was refused because the deployment was cancelled
var errCancelled = errors.New("deployment cancelled")

// Checker produces check rounds until one is final or ctx is cancelled
type Checker interface {
	Rounds(ctx context.Context) iter.Seq2[domain.Round, error]
}

// Syncer updates the control repository
type Syncer interface {
	Sync(ctx context.Context) (git.SyncResult, error)
}

// Dependencies are shared by every deployment a registry creates
type Dependencies struct {
	Checks      Checker
	Syncer      Syncer
	SyncTimeout time.Duration
	Process     ProcessConfig
}

// Request describes a deployment to create
type Request struct {
	TargetKey  string
	Requester  string
	Tag        domain.Tag
	ExtraArgs  domain.ExtraArgs
	RunArgs    []string
	SkipChecks bool
}

// Deployment is one in-flight request for a target. Phase methods must be
// called sequentially by a single driver; Cancel and the read accessors are
// safe to call from any goroutine.
type Deployment struct {
	id         uuid.UUID
	targetKey  string
	tag        domain.Tag
	requester  string
	extraArgs  domain.ExtraArgs
	runArgs    []string
	skipChecks bool
	createdAt  time.Time
	deps       Dependencies

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       domain.State
	forced      bool
	attached    bool
	cancelledBy string
	// set once cancellation was requested; the terminal state may follow
	// later, after the signal has been fired
	cancelRequested bool
	cancelActor     string
	commit      string
	startedAt   time.Time
	finishedAt  time.Time
	err         error
	progress    []string

	outMu    sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	combined bytes.Buffer

	// emitMu serializes state changes with their notifications. Listeners
	// must not call Cancel synchronously.
	emitMu            sync.Mutex
	listenerMu        sync.Mutex
	nextListener      int
	stateListeners    map[int]func(domain.State)
	progressListeners map[int]func(string)
}

// New creates a queued deployment whose cancellation is derived from parent
func New(parent context.Context, req Request, deps Dependencies) *Deployment {
	ctx, cancel := context.WithCancel(parent)
	return &Deployment{
		id:                uuid.New(),
		targetKey:         req.TargetKey,
		tag:               req.Tag,
		requester:         req.Requester,
		extraArgs:         req.ExtraArgs,
		runArgs:           req.RunArgs,
		skipChecks:        req.SkipChecks,
		createdAt:         time.Now(),
		deps:              deps,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		state:             domain.StateQueued,
		stateListeners:    make(map[int]func(domain.State)),
		progressListeners: make(map[int]func(string)),
	}
}

func (d *Deployment) ID() uuid.UUID { return d.id }
func (d *Deployment) TargetKey() string { return d.targetKey }
func (d *Deployment) Tag() domain.Tag { return d.tag }
func (d *Deployment) Requester() string { return d.requester }
func (d *Deployment) ExtraArgs() domain.ExtraArgs { return d.extraArgs }
func (d *Deployment) CreatedAt() time.Time { return d.createdAt }
func (d *Deployment) SkipsChecks() bool { return d.skipChecks }

// Done is closed once the deployment reaches a terminal state
func (d *Deployment) Done() <-chan struct{} {
	return d.done
}

// State returns the current lifecycle state
func (d *Deployment) State() domain.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the failure recorded with the error state, if any
func (d *Deployment) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// CancelledBy returns who cancelled the deployment
func (d *Deployment) CancelledBy() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelledBy
}

// Forced reports whether the check phase was skipped on request
func (d *Deployment) Forced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forced
}

// IsRunning reports whether the deployment is changing the environment
func (d *Deployment) IsRunning() bool {
	s := d.State()
	return s == domain.StateUpdating || s == domain.StateRunning
}

// SafeToClear reports whether the deployment can be removed without side effects
func (d *Deployment) SafeToClear() bool {
	return d.State().IsTerminal()
}

// RunningSince returns the whole seconds elapsed since creation
func (d *Deployment) RunningSince() int {
	return int(time.Since(d.createdAt) / time.Second)
}

// Stdout returns the provisioning run's standard output so far
func (d *Deployment) Stdout() string {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	return d.stdout.String()
}

// Stderr returns the provisioning run's standard error so far
func (d *Deployment) Stderr() string {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	return d.stderr.String()
}

// Output returns both streams interleaved in arrival order
func (d *Deployment) Output() string {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	return d.combined.String()
}

// OnState registers fn for every state change. Listeners are dropped once
// a terminal state has been delivered; registering on a terminal deployment
// is a no-op.
func (d *Deployment) OnState(fn func(domain.State)) (unsubscribe func()) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	if d.stateListeners == nil {
		return func() {}
	}
	id := d.nextListener
	d.nextListener++
	d.stateListeners[id] = fn
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		delete(d.stateListeners, id)
	}
}

// OnProgress registers fn for every highlight matched during the provisioning run
func (d *Deployment) OnProgress(fn func(label string)) (unsubscribe func()) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	if d.progressListeners == nil {
		return func() {}
	}
	id := d.nextListener
	d.nextListener++
	d.progressListeners[id] = fn
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		delete(d.progressListeners, id)
	}
}

func (d *Deployment) emitState(s domain.State) {
	d.listenerMu.Lock()
	listeners := make([]func(domain.State), 0, len(d.stateListeners))
	for _, id := range sortedKeys(d.stateListeners) {
		listeners = append(listeners, d.stateListeners[id])
	}
	d.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (d *Deployment) emitProgress(label string) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	d.progress = append(d.progress, label)
	d.mu.Unlock()

	d.listenerMu.Lock()
	listeners := make([]func(string), 0, len(d.progressListeners))
	for _, id := range sortedKeys(d.progressListeners) {
		listeners = append(listeners, d.progressListeners[id])
	}
	d.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(label)
	}
}

func (d *Deployment) dropListeners() {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.stateListeners = nil
	d.progressListeners = nil
}

// transition moves to a non-terminal state. Terminal states are absorbing.
func (d *Deployment) transition(to domain.State) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	from := d.state
	if from.IsTerminal() && !to.IsTerminal() {
		d.mu.Unlock()
		return &domain.TransitionError{From: from, To: to}
	}
	d.state = to
	d.mu.Unlock()

	slog.Debug("Deployment state changed",
		"layer", "deployment",
		"target", d.targetKey,
		"deployment_id", d.id,
		"from", from,
		"state", to)

	d.emitState(to)
	return nil
}

// begin starts a phase: the deployment must be in from, and is moved to to.
// With attach set, a provisioning process is marked as attached.
func (d *Deployment) begin(from, to domain.State, attach bool) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if attach && d.attached {
		d.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	current := d.state
	if current == domain.StateAborted || d.cancelRequested || (!current.IsTerminal() && d.ctx.Err() != nil) {
		d.mu.Unlock()
		return errCancelled
	}
	if current != from {
		d.mu.Unlock()
		return &domain.TransitionError{From: current, To: to}
	}
	d.state = to
	if attach {
		d.attached = true
		d.startedAt = time.Now()
	}
	d.mu.Unlock()

	slog.Debug("Deployment state changed",
		"layer", "deployment",
		"target", d.targetKey,
		"deployment_id", d.id,
		"from", current,
		"state", to)

	d.emitState(to)
	return nil
}

// finish moves to a terminal state unless one was already reached. It
// releases the cancellation signal and drops all listeners.
func (d *Deployment) finish(to domain.State, err error, actor string) bool {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.state.IsTerminal() {
		d.mu.Unlock()
		return false
	}
	from := d.state
	if d.cancelRequested {
		// a requested cancellation wins over any outcome reported meanwhile
		to, err, actor = domain.StateAborted, nil, d.cancelActor
	}
	d.state = to
	d.err = err
	d.cancelledBy = actor
	d.finishedAt = time.Now()
	d.mu.Unlock()

	d.cancel()

	attrs := []any{
		"layer", "deployment",
		"target", d.targetKey,
		"deployment_id", d.id,
		"from", from,
		"state", to,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if actor != "" {
		attrs = append(attrs, "cancelled_by", actor)
	}
	slog.Info("Deployment finished", attrs...)

	d.emitState(to)
	d.dropListeners()
	close(d.done)
	return true
}

// fail records a failure unless the deployment was cancelled meanwhile
func (d *Deployment) fail(err error) (domain.Outcome, error) {
	if d.ctx.Err() != nil {
		return d.abort()
	}
	d.finish(domain.StateError, err, "")
	return domain.OutcomeFailed, err
}

func (d *Deployment) abort() (domain.Outcome, error) {
	d.finish(domain.StateAborted, nil, "")
	return domain.OutcomeAborted, nil
}

// reject translates a refused phase into its outcome. Logic errors leave
// the state untouched.
func (d *Deployment) reject(err error) (domain.Outcome, error) {
	if errors.Is(err, errCancelled) || d.State() == domain.StateAborted {
		return d.abort()
	}
	slog.Error("Deployment phase rejected",
		"layer", "deployment",
		"target", d.targetKey,
		"deployment_id", d.id,
		"state", d.State(),
		"error", err)
	return domain.OutcomeFailed, err
}

// Cancel aborts the deployment and terminates any running provisioning
// process. It returns false if the deployment had already finished or was
// cancelled before.
func (d *Deployment) Cancel(actor string) bool {
	if !d.requestCancel(actor, false) {
		return false
	}
	d.finish(domain.StateAborted, nil, actor)
	return true
}

// cancelUnlessRunning requests cancellation of a deployment that is not
// changing the environment. ok is false while it is updating or running;
// requested tells whether the terminal state still has to be settled.
func (d *Deployment) cancelUnlessRunning() (ok, requested bool) {
	if d.requestCancel("", true) {
		return true, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.IsTerminal() || d.cancelRequested, false
}

// requestCancel records actor and fires the cancellation signal without
// waiting for listeners. With keepRunning set the request is refused while
// the deployment is updating or running.
func (d *Deployment) requestCancel(actor string, keepRunning bool) bool {
	d.mu.Lock()
	if d.state.IsTerminal() || d.cancelRequested {
		d.mu.Unlock()
		return false
	}
	if keepRunning && (d.state == domain.StateUpdating || d.state == domain.StateRunning) {
		d.mu.Unlock()
		return false
	}
	d.cancelRequested = true
	d.cancelActor = actor
	d.mu.Unlock()

	d.cancel()
	return true
}

// HasProcess reports whether a provisioning process is attached. A
// cancelled deployment keeps it attached until the process has exited.
func (d *Deployment) HasProcess() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// SkipChecks moves a queued deployment straight to ready
func (d *Deployment) SkipChecks() error {
	if err := d.begin(domain.StateQueued, domain.StateReady, false); err != nil {
		return err
	}
	d.mu.Lock()
	d.forced = true
	d.mu.Unlock()
	return nil
}

// RunChecks polls upstream CI until no check is pending. onPending receives
// the pending checks of the first round that has any, and is called at most
// once.
func (d *Deployment) RunChecks(onPending func([]domain.CheckResult)) (domain.Outcome, error) {
	if err := d.begin(domain.StateQueued, domain.StateChecking, false); err != nil {
		return d.reject(err)
	}

	if d.deps.Checks != nil {
		notified := false
		for round, err := range d.deps.Checks.Rounds(d.ctx) {
			if err != nil {
				return d.fail(fmt.Errorf("failed to query checks: %w", err))
			}
			if round.HasFailed() {
				return d.fail(&domain.CheckFailedError{Failed: round.Failed})
			}
			if round.HasPending() && !notified {
				notified = true
				if onPending != nil {
					onPending(round.Pending)
				}
			}
		}
	}

	if d.ctx.Err() != nil {
		return d.abort()
	}
	if err := d.transition(domain.StateReady); err != nil {
		return d.reject(err)
	}
	return domain.OutcomeSucceeded, nil
}

// UpdateRepo synchronizes the control repository. The call is bounded by
// the configured sync timeout and by the deployment's cancellation.
func (d *Deployment) UpdateRepo() (domain.Outcome, error) {
	if err := d.begin(domain.StateReady, domain.StateUpdating, false); err != nil {
		return d.reject(err)
	}

	if d.deps.Syncer != nil {
		ctx := d.ctx
		if d.deps.SyncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(d.ctx, d.deps.SyncTimeout)
			defer cancel()
		}

		result, err := d.deps.Syncer.Sync(ctx)
		if err != nil {
			return d.fail(&domain.SyncError{Stdout: result.Stdout, Stderr: result.Stderr, Err: err})
		}

		d.mu.Lock()
		d.commit = result.ToCommit
		d.mu.Unlock()
	}

	if d.ctx.Err() != nil {
		return d.abort()
	}
	if err := d.transition(domain.StateReady); err != nil {
		return d.reject(err)
	}
	return domain.OutcomeSucceeded, nil
}

// RunPlaybook starts and supervises the provisioning process. A second call
// while a process is attached is rejected with ErrAlreadyRunning.
func (d *Deployment) RunPlaybook() (domain.Outcome, error) {
	if err := d.begin(domain.StateReady, domain.StateRunning, true); err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return domain.OutcomeFailed, err
		}
		return d.reject(err)
	}
	return d.supervise()
}

// detach marks the provisioning process as gone, before the run's own
// outcome is settled
func (d *Deployment) detach() {
	d.mu.Lock()
	d.attached = false
	d.mu.Unlock()
}

// Args returns the provisioning argument vector: scope flags, the target's
// run arguments, then the playbook.
func (d *Deployment) Args() []string {
	args := d.tag.ScopeFlags()
	args = append(args, d.runArgs...)
	if d.deps.Process.Playbook != "" {
		args = append(args, d.deps.Process.Playbook)
	}
	return args
}

// Snapshot is an immutable view of a deployment
type Snapshot struct {
	ID          uuid.UUID    `json:"id"`
	Target      string       `json:"target"`
	Tag         domain.Tag   `json:"tag"`
	Requester   string       `json:"requester"`
	Args        string       `json:"args,omitempty"`
	Forced      bool         `json:"forced"`
	State       domain.State `json:"state"`
	CancelledBy string       `json:"cancelled_by,omitempty"`
	Commit      string       `json:"commit,omitempty"`
	Error       string       `json:"error,omitempty"`
	Progress    []string     `json:"progress,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Elapsed     int          `json:"elapsed_seconds"`
}

// Snapshot captures the current view of the deployment
func (d *Deployment) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Snapshot{
		ID:          d.id,
		Target:      d.targetKey,
		Tag:         d.tag,
		Requester:   d.requester,
		Args:        d.extraArgs.String(),
		Forced:      d.forced,
		State:       d.state,
		CancelledBy: d.cancelledBy,
		Commit:      d.commit,
		Progress:    slices.Clone(d.progress),
		CreatedAt:   d.createdAt,
		Elapsed:     d.RunningSince(),
	}
	if d.err != nil {
		s.Error = d.err.Error()
	}
	if !d.startedAt.IsZero() {
		started := d.startedAt
		s.StartedAt = &started
	}
	if !d.finishedAt.IsZero() {
		finished := d.finishedAt
		s.FinishedAt = &finished
		s.Elapsed = int(finished.Sub(d.createdAt) / time.Second)
	}
	return s
}

// HistoryEntry returns the audit record for a finished deployment
func (d *Deployment) HistoryEntry() *domain.HistoryEntry {
	s := d.Snapshot()
	entry := &domain.HistoryEntry{
		ID:          s.ID,
		Target:      s.Target,
		Tag:         s.Tag,
		Requester:   s.Requester,
		Args:        s.Args,
		Forced:      s.Forced,
		State:       s.State,
		CancelledBy: s.CancelledBy,
		Error:       s.Error,
		Output:      d.Output(),
		CreatedAt:   s.CreatedAt,
		FinishedAt:  time.Now(),
	}
	if s.FinishedAt != nil {
		entry.FinishedAt = *s.FinishedAt
	}
	return entry
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
