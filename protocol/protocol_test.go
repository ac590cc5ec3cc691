package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundtrip(t *testing.T) {
	req := Request{
		ID:        "test-123",
		Type:      RequestCall,
		Payload:   []byte(`{"source":"func(x int) int { return x * x }"}`),
		TimeoutMs: 5000,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.Type, decoded.Type)
	assert.Equal(t, req.Payload, decoded.Payload)
	assert.Equal(t, req.TimeoutMs, decoded.TimeoutMs)
}

func TestResponseRoundtrip(t *testing.T) {
	resp := Response{
		ID:         "test-456",
		Type:       ResponseResult,
		Payload:    []byte(`49`),
		DurationMs: 12,
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, resp.ID, decoded.ID)
	assert.Equal(t, resp.Type, decoded.Type)
	assert.Equal(t, resp.Payload, decoded.Payload)
	assert.False(t, decoded.Error)
}

func TestOutcomeOK(t *testing.T) {
	ok := &Outcome{Kind: KindOK, Payload: []byte(`49`)}
	assert.True(t, ok.OK())
	assert.False(t, ok.CompromisesWorker())

	appErr := &Outcome{Kind: KindApplicationError, ErrMessage: "boom"}
	assert.False(t, appErr.OK())
	assert.False(t, appErr.CompromisesWorker(), "application errors leave the worker healthy")
}

func TestOutcomeCompromisesWorker(t *testing.T) {
	cases := map[OutcomeKind]bool{
		KindOK:                 false,
		KindApplicationError:   false,
		KindPoolExhausted:      false,
		KindProvisioningError:  false,
		KindBackendUnavailable: false,
		KindTimeout:            true,
		KindTransportError:     true,
	}
	for kind, want := range cases {
		o := &Outcome{Kind: kind}
		assert.Equal(t, want, o.CompromisesWorker(), "kind %s", kind)
	}

	var nilOutcome *Outcome
	assert.True(t, nilOutcome.CompromisesWorker())
}
