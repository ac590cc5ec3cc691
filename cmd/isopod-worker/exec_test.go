package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/isopod/protocol"
)

func callRequest(t *testing.T, source string, args ...any) protocol.Request {
	t.Helper()
	p := protocol.CallPayload{Source: source}
	for _, a := range args {
		raw, err := json.Marshal(a)
		require.NoError(t, err)
		p.Args = append(p.Args, raw)
	}
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return protocol.Request{ID: "r1", Type: protocol.RequestCall, Payload: payload}
}

func TestEvaluatorAppliesFunction(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func(n int) int { return n * n }", 7))

	require.Equal(t, protocol.ResponseResult, resp.Type)
	require.False(t, resp.Error, resp.ErrMessage)

	var got int
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, 49, got)
	assert.Equal(t, "r1", resp.ID)
}

func TestEvaluatorMultilineSourceWithTrailingNewline(t *testing.T) {
	e := newEvaluator("")
	src := `func(n int) int {
	total := 0
	for i := 1; i <= n; i++ {
		total += i
	}
	return total
}
`
	resp := e.call(callRequest(t, src, 4))

	require.False(t, resp.Error, resp.ErrMessage)
	var got int
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, 10, got)
}

func TestEvaluatorStringArgs(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, `func(a, b string) string { return a + b }`, "iso", "pod"))

	require.False(t, resp.Error, resp.ErrMessage)
	var got string
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, "isopod", got)
}

func TestEvaluatorMultipleReturns(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func(n int) (int, int) { return n / 2, n % 2 }", 7))

	require.False(t, resp.Error, resp.ErrMessage)
	var got []int
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, []int{3, 1}, got)
}

func TestEvaluatorNoReturn(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func() {}"))

	require.False(t, resp.Error, resp.ErrMessage)
	assert.JSONEq(t, "null", string(resp.Payload))
}

func TestEvaluatorTrailingErrorNil(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func(n int) (int, error) { return n + 1, nil }", 1))

	require.False(t, resp.Error, resp.ErrMessage)
	var got int
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, 2, got)
}

func TestEvaluatorTrailingErrorSet(t *testing.T) {
	e := newEvaluator("")
	src := `func(n int) (int, error) {
		if n < 0 {
			return 0, fmt.Errorf("negative input %d", n)
		}
		return n, nil
	}`
	resp := e.call(callRequest(t, src, -3))

	require.True(t, resp.Error)
	assert.Contains(t, resp.ErrMessage, "negative input -3")
}

func TestEvaluatorPanicBecomesApplicationError(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, `func() int { panic("boom") }`))

	require.Equal(t, protocol.ResponseResult, resp.Type)
	require.True(t, resp.Error)
	assert.Contains(t, resp.ErrMessage, "boom")
	assert.NotEmpty(t, resp.Trace)
}

func TestEvaluatorWrongArgCount(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func(a, b int) int { return a + b }", 1))

	require.True(t, resp.Error)
	assert.Contains(t, resp.ErrMessage, "takes 2 arguments, got 1")
}

func TestEvaluatorVariadic(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, `func(ns ...int) int {
		sum := 0
		for _, n := range ns {
			sum += n
		}
		return sum
	}`, 1, 2, 3))

	require.False(t, resp.Error, resp.ErrMessage)
	var got int
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, 6, got)
}

func TestEvaluatorBadSource(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "func( {{{"))

	require.True(t, resp.Error)
	assert.Contains(t, resp.ErrMessage, "evaluating source")
}

func TestEvaluatorNonFunctionSource(t *testing.T) {
	e := newEvaluator("")
	resp := e.call(callRequest(t, "42"))

	require.True(t, resp.Error)
	assert.Contains(t, resp.ErrMessage, "did not evaluate to a function")
}

func TestDispatchPing(t *testing.T) {
	s := newServer("/tmp/isopod-test.sock", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp := s.dispatch(protocol.Request{ID: "p1", Type: protocol.RequestPing})

	assert.Equal(t, protocol.ResponsePong, resp.Type)
	assert.Equal(t, "p1", resp.ID)
}

func TestDispatchUnknownType(t *testing.T) {
	s := newServer("/tmp/isopod-test.sock", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp := s.dispatch(protocol.Request{ID: "x1", Type: "reboot"})

	assert.Equal(t, protocol.ResponseError, resp.Type)
}
