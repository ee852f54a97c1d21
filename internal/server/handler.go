// Package server dispatches protocol messages from popups and content
// scripts, and tracks the connected frames settings changes are pushed to.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/oszuidwest/zwfm-tabboost/internal/protocol"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// errInternal is reported for requests whose handler panicked.
var errInternal = errors.New("internal error")

// HandleCommand decodes, validates and processes a request, then answers it.
// The value returned by process becomes the response data.
func HandleCommand[T any](c *Conn, env protocol.Envelope, process func(*T) (any, error)) {
	data, err := protocol.DecodeAndValidate[T](env.Data)
	if err != nil {
		SendError(c, env, err)
		return
	}

	result, err := process(&data)
	if err != nil {
		SendError(c, env, err)
		return
	}

	SendSuccess(c, env, result)
}

// --- Response helpers ---

// SendSuccess answers env with success and optional data. Messages without
// an ID are notifications and get no answer.
func SendSuccess(c *Conn, env protocol.Envelope, data any) {
	if env.ID == "" {
		return
	}
	resp := protocol.Response{
		Type:    protocol.ResultType(env.Type),
		ID:      env.ID,
		Success: true,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			SendError(c, env, err)
			return
		}
		resp.Data = raw
	}
	if !c.respond(resp) {
		slog.Debug("connection gone before response", "type", env.Type, "conn", c.ID)
	}
}

// SendError answers env with a failure. Validation failures carry the
// offending fields in Details.
func SendError(c *Conn, env protocol.Envelope, err error) {
	if env.ID == "" {
		slog.Debug("notification failed", "type", env.Type, "error", err)
		return
	}
	resp := protocol.Response{
		Type:  protocol.ResultType(env.Type),
		ID:    env.ID,
		Error: err.Error(),
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr
	}
	if !c.respond(resp) {
		slog.Debug("connection gone before response", "type", env.Type, "conn", c.ID)
	}
}
