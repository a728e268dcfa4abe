// Package actions decodes and validates the request bodies of the HTTP API.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/deploybot/deploybot/app"
)

const maxBodySize = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrBadRequest marks request decoding and validation failures
var ErrBadRequest = errors.New("bad request")

// DeployRequest is the body of POST /deployments/{target}
type DeployRequest struct {
	Requester string `json:"requester" validate:"required"`
	Tag       string `json:"tag" validate:"required"`
	Args      string `json:"args"`
	Force     bool   `json:"force"`
}

// CancelActionRequest is the body of POST /actions/cancel
type CancelActionRequest struct {
	Token string `json:"token" validate:"required"`
	Actor string `json:"actor" validate:"required"`
}

// HistoryQuery holds the parameters of GET /history
type HistoryQuery struct {
	Target string
	Limit  int `validate:"min=0,max=500"`
}

// DecodeDeployRequest reads a deployment request for target from r
func DecodeDeployRequest(r *http.Request, target string) (app.DeployRequest, error) {
	var req DeployRequest
	if err := decode(r, &req); err != nil {
		return app.DeployRequest{}, err
	}
	return app.DeployRequest{
		Target:    target,
		Requester: strings.TrimSpace(req.Requester),
		Tag:       strings.TrimSpace(req.Tag),
		Args:      req.Args,
		Force:     req.Force,
	}, nil
}

// DecodeCancelAction reads a cancel action from r
func DecodeCancelAction(r *http.Request) (CancelActionRequest, error) {
	var req CancelActionRequest
	err := decode(r, &req)
	return req, err
}

// ParseHistoryQuery reads the history filter from the query string
func ParseHistoryQuery(r *http.Request) (HistoryQuery, error) {
	q := HistoryQuery{Target: r.URL.Query().Get("target")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: limit must be a number", ErrBadRequest)
		}
		q.Limit = limit
	}
	if err := check(q); err != nil {
		return q, err
	}
	return q, nil
}

func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", ErrBadRequest)
	}
	return check(dst)
}

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return fmt.Errorf("%w: field %s failed %q validation", ErrBadRequest, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
