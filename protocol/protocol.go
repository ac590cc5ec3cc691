// Package protocol defines the JSON-line message types exchanged between
// the isopod host and the worker binary running inside a sandbox, plus the
// tagged CallOutcome envelope returned to callers.
package protocol

import "encoding/json"

// Request is the envelope sent from host → worker.
type Request struct {
	ID   string      `json:"id"`
	Type RequestType `json:"type"`

	// Call fields. Payload is an opaque encoded call; the host never
	// inspects it beyond handing it to the worker's codec.
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type RequestType string

const (
	RequestCall RequestType = "call"
	RequestPing RequestType = "ping"
)

// Response is the envelope sent from worker → host.
type Response struct {
	ID   string       `json:"id"`
	Type ResponseType `json:"type"`

	// Call response fields.
	Error      bool   `json:"error,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	ErrType    string `json:"err_type,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
	Trace      string `json:"trace,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type ResponseType string

const (
	ResponseResult ResponseType = "result"
	ResponsePong   ResponseType = "pong"
	ResponseError  ResponseType = "error" // worker-level failure, not the call's
	ResponseReady  ResponseType = "ready"
)

// ReadyMessage is emitted by the worker on startup.
type ReadyMessage struct {
	Type ResponseType `json:"type"` // always "ready"
}

// OutcomeKind tags a CallOutcome. Only KindApplicationError leaves the
// serving worker healthy; every other failure kind discards it.
type OutcomeKind string

const (
	KindOK                 OutcomeKind = "ok"
	KindBackendUnavailable OutcomeKind = "backend_unavailable"
	KindProvisioningError  OutcomeKind = "provisioning_error"
	KindPoolExhausted      OutcomeKind = "pool_exhausted"
	KindTimeout            OutcomeKind = "timeout"
	KindTransportError     OutcomeKind = "transport_error"
	KindApplicationError   OutcomeKind = "application_error"
)

// Outcome is the tagged result of one dispatched call.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Payload    []byte      `json:"payload,omitempty"`
	ErrMessage string      `json:"err_message,omitempty"`
	Trace      string      `json:"trace,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
}

// OK reports whether the call succeeded.
func (o *Outcome) OK() bool {
	return o != nil && o.Kind == KindOK
}

// CompromisesWorker reports whether the outcome means the serving worker's
// internal state is unknown and it must not be reused.
func (o *Outcome) CompromisesWorker() bool {
	if o == nil {
		return true
	}
	switch o.Kind {
	case KindTimeout, KindTransportError:
		return true
	}
	return false
}

// CallPayload is the default call encoding understood by the isopod worker:
// a Go function literal and its JSON-encoded positional arguments. The
// worker evaluates the source in an embedded interpreter and applies it.
type CallPayload struct {
	Source string            `json:"source"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// MaxPayloadBytes caps a single request or response line on the wire.
const MaxPayloadBytes = 16 * 1024 * 1024 // 16 MB

// WorkerSocketPath is where the worker listens inside the sandbox.
const WorkerSocketPath = "/run/isopod/worker.sock"

// EnvMountPath is where a provisioned environment is mounted inside the
// sandbox. The worker points its interpreter's GOPATH here.
const EnvMountPath = "/opt/env"

// EnvVolumePrefix names environment volumes on the container backend.
const EnvVolumePrefix = "isopod-env-"

// WorkerNamePrefix names worker containers on the container backend.
const WorkerNamePrefix = "isopod-worker-"
