// Package transport performs the call round trip to a worker and maps
// every way it can end onto the outcome taxonomy. A deadline that fires
// mid-call or a broken channel leaves the worker's state unknown, so those
// outcomes mark it compromised; an error raised by the called function
// does not.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/protocol"
)

// Caller is the backend subset the transport needs.
type Caller interface {
	SendCall(ctx context.Context, w *backend.WorkerHandle, req protocol.Request) (*protocol.Response, error)
}

type Transport struct {
	caller Caller
	logger *slog.Logger
}

func New(caller Caller, logger *slog.Logger) *Transport {
	return &Transport{caller: caller, logger: logger}
}

// Execute sends one encoded call to a worker and returns a tagged outcome.
// The context deadline bounds the round trip; Execute never returns nil.
func (t *Transport) Execute(ctx context.Context, w *backend.WorkerHandle, payload []byte) *protocol.Outcome {
	req := protocol.Request{
		ID:      uuid.New().String()[:12],
		Type:    protocol.RequestCall,
		Payload: payload,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = int(time.Until(deadline).Milliseconds())
	}

	start := time.Now()
	resp, err := t.caller.SendCall(ctx, w, req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			t.logger.Warn("call timed out", "worker", w.ID, "elapsed_ms", elapsed)
			return &protocol.Outcome{
				Kind:       protocol.KindTimeout,
				ErrMessage: "call did not complete within the timeout",
				DurationMs: elapsed,
			}
		}
		t.logger.Warn("call transport failed", "worker", w.ID, "error", err)
		return &protocol.Outcome{
			Kind:       protocol.KindTransportError,
			ErrMessage: err.Error(),
			DurationMs: elapsed,
		}
	}

	switch resp.Type {
	case protocol.ResponseResult:
		if resp.Error {
			return &protocol.Outcome{
				Kind:       protocol.KindApplicationError,
				ErrMessage: resp.ErrMessage,
				Trace:      resp.Trace,
				DurationMs: elapsed,
			}
		}
		return &protocol.Outcome{
			Kind:       protocol.KindOK,
			Payload:    resp.Payload,
			DurationMs: elapsed,
		}
	case protocol.ResponseError:
		// The worker itself failed, not the call it was running.
		t.logger.Warn("worker reported internal error", "worker", w.ID, "error", resp.ErrMessage)
		return &protocol.Outcome{
			Kind:       protocol.KindTransportError,
			ErrMessage: resp.ErrMessage,
			DurationMs: elapsed,
		}
	default:
		t.logger.Warn("unexpected response type", "worker", w.ID, "type", string(resp.Type))
		return &protocol.Outcome{
			Kind:       protocol.KindTransportError,
			ErrMessage: "unexpected response type " + string(resp.Type),
			DurationMs: elapsed,
		}
	}
}
