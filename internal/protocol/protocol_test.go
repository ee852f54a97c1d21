package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-tabboost/internal/types"
)

func TestResultType(t *testing.T) {
	assert.Equal(t, "UPDATE_SITE_MODE_result", ResultType(TypeUpdateSiteMode))
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(TypeUpdateSiteMode, "42", UpdateSiteMode{Hostname: "example.com", Mode: types.ModeSite})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"UPDATE_SITE_MODE","id":"42","data":{"hostname":"example.com","mode":"site"}}`, string(raw))

	env, err = NewEnvelope(TypeTabActivated, "", nil)
	require.NoError(t, err)
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TAB_ACTIVATED"}`, string(raw))
}

func TestFrameDistinguishesResponses(t *testing.T) {
	t.Parallel()

	var push Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"UPDATE_SETTINGS","data":{"settings":{"volume":150}}}`), &push))
	assert.False(t, push.IsResponse())
	env := push.Envelope()
	assert.Equal(t, TypeUpdateSettings, env.Type)
	msg, err := Decode[UpdateSettings](env.Data)
	require.NoError(t, err)
	assert.Equal(t, 150.0, msg.Settings.Volume)

	var resp Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"GET_INITIAL_SETTINGS_result","id":"7","success":false,"error":"no active tab"}`), &resp))
	require.True(t, resp.IsResponse())
	r := resp.Response()
	assert.False(t, r.Success)
	assert.Equal(t, "7", r.ID)
	assert.Equal(t, "no active tab", r.Error)
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()
	v, err := Decode[GetInitialSettings](nil)
	require.NoError(t, err)
	assert.Empty(t, v.Hostname)

	_, err = Decode[GetInitialSettings](json.RawMessage(`{"hostname":`))
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestDecodeAndValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		fields []string
	}{
		{"valid mode", `{"hostname":"example.com","mode":"disabled"}`, nil},
		{"missing hostname", `{"mode":"site"}`, []string{"hostname"}},
		{"unknown mode", `{"hostname":"example.com","mode":"loud"}`, []string{"mode"}},
		{"both", `{}`, []string{"hostname", "mode"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeAndValidate[UpdateSiteMode](json.RawMessage(tt.raw))
			if tt.fields == nil {
				require.NoError(t, err)
				return
			}
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			var got []string
			for _, e := range verr.Errors {
				got = append(got, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, got)
		})
	}
}

func TestValidateNestedSettings(t *testing.T) {
	t.Parallel()

	_, err := DecodeAndValidate[UpdateSettings](json.RawMessage(`{"settings":{"volume":1200,"bassBoost":100,"voiceBoost":100,"speed":100}}`))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "settings.volume", verr.Errors[0].Field)
	assert.Equal(t, "must be less than or equal to 1000", verr.Errors[0].Message)
	assert.Equal(t, 1200.0, verr.Errors[0].Value)
}
