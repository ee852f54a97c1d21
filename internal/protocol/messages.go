// Package protocol defines the messages exchanged between the popup, the
// background coordinator and content scripts.
//
// Every message is an Envelope. Requests carry an ID and are answered by a
// Response echoing it with the type suffixed "_result". Pushes from the
// background carry no ID and expect no answer.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

// MessageType discriminates messages.
type MessageType string

// Message types.
const (
	TypeUpdateSettings     MessageType = "UPDATE_SETTINGS"
	TypeUpdateSiteMode     MessageType = "UPDATE_SITE_MODE"
	TypeContentScriptReady MessageType = "CONTENT_SCRIPT_READY"
	TypeGetInitialSettings MessageType = "GET_INITIAL_SETTINGS"
	TypeTabActivated       MessageType = "TAB_ACTIVATED"
)

// Envelope is a request or push.
type Envelope struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response answers a request.
type Response struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Details *types.ValidationError `json:"details,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
}

// ResultType returns the response type for a request type.
func ResultType(t MessageType) string {
	return string(t) + "_result"
}

// Frame is the wire form of everything a connection reads: requests and
// pushes fill the Envelope fields, responses the rest.
type Frame struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Success *bool                  `json:"success,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Details *types.ValidationError `json:"details,omitempty"`
}

// IsResponse reports whether f answers a request.
func (f Frame) IsResponse() bool {
	return f.Success != nil
}

// Envelope returns f as a request or push.
func (f Frame) Envelope() Envelope {
	return Envelope{Type: MessageType(f.Type), ID: f.ID, Data: f.Data}
}

// Response returns f as a response.
func (f Frame) Response() Response {
	return Response{
		Type:    f.Type,
		ID:      f.ID,
		Success: f.Success != nil && *f.Success,
		Error:   f.Error,
		Details: f.Details,
		Data:    f.Data,
	}
}

// NewEnvelope encodes payload into an Envelope. A nil payload leaves Data empty.
func NewEnvelope(t MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals raw into a new T. Empty data yields the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

// UpdateSettings changes settings. Sent by the popup or a content script to
// the background, and pushed by the background to content scripts.
type UpdateSettings struct {
	Settings types.AudioSettings `json:"settings"`
	Enabled  *bool               `json:"enabled,omitempty"`
	IsGlobal *bool               `json:"isGlobal,omitempty"`
	Hostname string              `json:"hostname,omitempty" validate:"omitempty,max=253"`
}

// UpdateSiteMode switches the mode of a site.
type UpdateSiteMode struct {
	Hostname string     `json:"hostname" validate:"required,max=253"`
	Mode     types.Mode `json:"mode" validate:"required,oneof=global site disabled"`
}

// ContentScriptReady announces a content script and asks for its settings.
type ContentScriptReady struct {
	Hostname    string `json:"hostname,omitempty" validate:"omitempty,max=253"`
	UsingGlobal *bool  `json:"usingGlobal,omitempty"`
	Version     string `json:"version,omitempty" validate:"omitempty,max=64"`
}

// GetInitialSettings asks for the settings of a site. An empty hostname
// means the site of the active tab.
type GetInitialSettings struct {
	Hostname string `json:"hostname,omitempty" validate:"omitempty,max=253"`
}

// InitialSettings answers GetInitialSettings.
type InitialSettings struct {
	Settings     types.AudioSettings  `json:"settings"`
	Enabled      bool                 `json:"enabled"`
	IsGlobal     bool                 `json:"isGlobal"`
	Hostname     string               `json:"hostname"`
	Mode         types.Mode           `json:"mode"`
	SiteSettings *types.AudioSettings `json:"siteSettings,omitempty"`
}

// TabActivated marks the sender's tab as the active tab.
type TabActivated struct{}
