// Package handlers provides the HTTP handlers of the deployment API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/deploybot/deploybot/actiontoken"
	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/deployment"
	"github.com/deploybot/deploybot/domain"
	"github.com/deploybot/deploybot/repository"
	"github.com/deploybot/deploybot/web/actions"
)

// Handlers serves the API for one application
type Handlers struct {
	app *app.App
}

// New creates the handlers for a
func New(a *app.App) *Handlers {
	return &Handlers{app: a}
}

// DeploymentResponse is a deployment snapshot plus its cancel token
type DeploymentResponse struct {
	deployment.Snapshot
	CancelToken string `json:"cancel_token,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetVersion returns the server version
func GetVersion() string {
	return app.Version
}

// Health answers liveness checks
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte("OK")); err != nil {
		LogOperationError("health_check", "handlers", err)
	}
}

// Version reports the server version
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"version": GetVersion()})
}

// ListDeployments returns a snapshot of every registered deployment
func (h *Handlers) ListDeployments(w http.ResponseWriter, r *http.Request) {
	entries := h.app.Registry.List()
	snapshots := make([]deployment.Snapshot, len(entries))
	for i, e := range entries {
		snapshots[i] = e.Deployment.Snapshot()
	}
	WriteJSON(w, http.StatusOK, snapshots)
}

// CreateDeployment starts a deployment for the target in the URL
func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	req, err := actions.DecodeDeployRequest(r, target)
	if err != nil {
		WriteError(w, err, "decode_deploy_request")
		return
	}

	started, err := h.app.Deploy(req)
	if err != nil {
		WriteError(w, err, "create_deployment", "target", target, "requester", req.Requester)
		return
	}

	WriteJSON(w, http.StatusCreated, DeploymentResponse{
		Snapshot:    started.Deployment.Snapshot(),
		CancelToken: started.CancelToken,
	})
}

// GetDeployment returns the deployment registered for a target
func (h *Handlers) GetDeployment(w http.ResponseWriter, r *http.Request) {
	withDeployment(h, w, r, func(d *deployment.Deployment) {
		WriteJSON(w, http.StatusOK, d.Snapshot())
	})
}

// CancelDeployment aborts the deployment registered for a target
func (h *Handlers) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	actor := r.URL.Query().Get("actor")
	if err := h.app.Cancel(target, actor); err != nil {
		WriteError(w, err, "cancel_deployment", "target", target)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearDeployment drops a deployment that is not changing the environment
func (h *Handlers) ClearDeployment(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := h.app.Clear(target); err != nil {
		WriteError(w, err, "clear_deployment", "target", target)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// DeploymentLog returns the combined provisioning output
func (h *Handlers) DeploymentLog(w http.ResponseWriter, r *http.Request) {
	withDeployment(h, w, r, func(d *deployment.Deployment) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(d.Output())); err != nil {
			LogOperationError("write_deployment_log", "handlers", err, "target", d.TargetKey())
		}
	})
}

// LogFile serves a stored failure log by name
func (h *Handlers) LogFile(w http.ResponseWriter, r *http.Request) {
	path, err := h.app.Logs.Path(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

// CancelAction cancels a deployment through a signed action token
func (h *Handlers) CancelAction(w http.ResponseWriter, r *http.Request) {
	req, err := actions.DecodeCancelAction(r)
	if err != nil {
		WriteError(w, err, "decode_cancel_action")
		return
	}

	target, err := h.app.CancelWithToken(req.Token, req.Actor)
	if err != nil {
		WriteError(w, err, "cancel_action", "actor", req.Actor)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "target": target})
}

// History lists recorded deployments
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	q, err := actions.ParseHistoryQuery(r)
	if err != nil {
		WriteError(w, err, "parse_history_query")
		return
	}

	limit := q.Limit
	if limit == 0 {
		limit = repository.DefaultListLimit
	}
	entries, err := h.app.History.List(r.Context(), q.Target, limit)
	if err != nil {
		WriteError(w, err, "list_history", "target", q.Target)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func withDeployment(h *Handlers, w http.ResponseWriter, r *http.Request, next func(*deployment.Deployment)) {
	target := chi.URLParam(r, "target")
	d, ok := h.app.Registry.Get(target)
	if !ok {
		WriteError(w, domain.ErrNotFound, "get_deployment", "target", target)
		return
	}
	next(d)
}

// StatusForError maps domain errors to HTTP status codes
func StatusForError(err error) int {
	var transitionErr *domain.TransitionError
	switch {
	case errors.Is(err, actions.ErrBadRequest),
		errors.Is(err, domain.ErrInvalidTag),
		errors.Is(err, domain.ErrArgNotAllowed),
		errors.Is(err, domain.ErrDuplicateArg):
		return http.StatusBadRequest
	case errors.Is(err, actiontoken.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForceNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrStillRunning),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.As(err, &transitionErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError logs err and writes it as a JSON error response. Client
// errors carry their message, server errors the operator-facing text.
func WriteError(w http.ResponseWriter, err error, operation string, fields ...any) {
	status := StatusForError(err)

	message := domain.FormatErrorForUser(err)
	switch {
	case status >= http.StatusInternalServerError:
		LogOperationError(operation, "handlers", err, fields...)
	case errors.Is(err, actions.ErrBadRequest), errors.Is(err, actiontoken.ErrInvalidToken):
		message = err.Error()
	}

	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		LogOperationError("encode_response", "handlers", err)
	}
}

// LogOperationError logs errors with consistent structure
func LogOperationError(operation, layer string, err error, fields ...any) {
	args := []any{"layer", layer, "operation", operation, "error", err}
	args = append(args, fields...)
	slog.Error("Operation failed", args...)
}

func sseData(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data: %s\n\n", data), nil
}
