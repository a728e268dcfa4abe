package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/domain"
)

// Entry pairs a target key with its deployment
type Entry struct {
	Key        string
	Deployment *Deployment
}

// Registry holds at most one deployment per target key
type Registry struct {
	ctx     context.Context
	deps    Dependencies
	targets map[string]config.TargetConfig

	mu      sync.Mutex
	entries map[string]*Deployment
	// evicted deployments whose provisioning process has not exited yet
	draining map[string]*Deployment
}

// NewRegistry creates a registry for the configured targets. Deployments
// it creates are cancelled when ctx is.
func NewRegistry(ctx context.Context, deps Dependencies, targets []config.TargetConfig) *Registry {
	byKey := make(map[string]config.TargetConfig, len(targets))
	for _, t := range targets {
		byKey[t.Key] = t
	}
	return &Registry{
		ctx:      ctx,
		deps:     deps,
		targets:  byKey,
		entries:  make(map[string]*Deployment),
		draining: make(map[string]*Deployment),
	}
}

// Target returns the profile of a configured target
func (r *Registry) Target(key string) (config.TargetConfig, bool) {
	t, ok := r.targets[key]
	return t, ok
}

// Create registers a new queued deployment for targetKey. It fails with
// ErrAlreadyActive while the current deployment for the key is not terminal
// or its provisioning process is still exiting; a terminal one is evicted.
func (r *Registry) Create(targetKey, requester string, tag domain.Tag, extraArgs domain.ExtraArgs) (*Deployment, error) {
	target, ok := r.targets[targetKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, targetKey)
	}
	if !tag.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidTag, tag)
	}
	runArgs, err := RunArgs(target, extraArgs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[targetKey]; ok {
		if !existing.State().IsTerminal() || existing.HasProcess() {
			return nil, domain.ErrAlreadyActive
		}
		delete(r.entries, targetKey)
	}
	if previous, ok := r.draining[targetKey]; ok {
		if previous.HasProcess() {
			return nil, domain.ErrAlreadyActive
		}
		delete(r.draining, targetKey)
	}

	d := New(r.ctx, Request{
		TargetKey:  targetKey,
		Requester:  requester,
		Tag:        tag,
		ExtraArgs:  extraArgs,
		RunArgs:    runArgs,
		SkipChecks: target.SkipChecks,
	}, r.deps)
	r.entries[targetKey] = d

	slog.Info("Deployment created",
		"layer", "registry",
		"operation", "create_deployment",
		"target", targetKey,
		"deployment_id", d.ID(),
		"tag", tag,
		"requester", requester)

	return d, nil
}

// Get returns the deployment registered for targetKey
func (r *Registry) Get(targetKey string) (*Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[targetKey]
	return d, ok
}

// List returns all registered deployments ordered by target key
func (r *Registry) List() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for key, d := range r.entries {
		entries = append(entries, Entry{Key: key, Deployment: d})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Cancel cancels and evicts the deployment for targetKey. It returns false
// if there is none.
func (r *Registry) Cancel(targetKey, actor string) bool {
	r.mu.Lock()
	d, ok := r.entries[targetKey]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, targetKey)
	requested := d.requestCancel(actor, false)
	r.retire(targetKey, d)
	r.mu.Unlock()

	if requested {
		d.finish(domain.StateAborted, nil, actor)
	}
	slog.Info("Deployment cancelled",
		"layer", "registry",
		"operation", "cancel_deployment",
		"target", targetKey,
		"deployment_id", d.ID(),
		"cancelled_by", actor)
	return true
}

// Clear evicts the deployment for targetKey unless it is changing the
// environment right now. A deployment that has not started running yet is
// cancelled first.
func (r *Registry) Clear(targetKey string) bool {
	r.mu.Lock()
	d, ok := r.entries[targetKey]
	if !ok {
		r.mu.Unlock()
		return false
	}
	clearable, requested := d.cancelUnlessRunning()
	if !clearable {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, targetKey)
	r.retire(targetKey, d)
	r.mu.Unlock()

	if requested {
		d.finish(domain.StateAborted, nil, "")
	}
	return true
}

// CancelAll cancels every deployment and empties the registry. It reports
// whether any deployment was changing the environment.
func (r *Registry) CancelAll(actor string) bool {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Deployment)
	running := false
	var requested []string
	for key, d := range entries {
		if d.IsRunning() {
			running = true
		}
		if d.requestCancel(actor, false) {
			requested = append(requested, key)
		}
		r.retire(key, d)
	}
	r.mu.Unlock()

	for _, key := range requested {
		d := entries[key]
		d.finish(domain.StateAborted, nil, actor)
		slog.Info("Deployment cancelled",
			"layer", "registry",
			"operation", "cancel_all_deployments",
			"target", key,
			"deployment_id", d.ID())
	}
	return running
}

// retire keeps an evicted deployment around until its provisioning process
// has exited, so that no second process starts for the same target. Callers
// must hold r.mu and must have requested cancellation or observed a
// terminal state first.
func (r *Registry) retire(key string, d *Deployment) {
	if d.HasProcess() {
		r.draining[key] = d
	}
}

// evict removes d if it is still the deployment registered for its key
func (r *Registry) evict(d *Deployment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[d.TargetKey()]; ok && current == d {
		delete(r.entries, d.TargetKey())
		r.retire(d.TargetKey(), d)
		return true
	}
	return false
}
