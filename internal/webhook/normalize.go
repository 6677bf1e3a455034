package webhook

import (
	"encoding/json"
	"fmt"
)

// The external worker may be implemented in a different runtime than this
// service, so callback fields arrive under either snake_case or camelCase.
// Everything is normalized into one canonical shape here, before any payload
// touches the state machine. snake_case wins when both spellings are present.

// Envelope is the part every callback carries.
type Envelope struct {
	JobID        string
	LockID       string
	SharedSecret string
}

// ProgressCallback reports periodic worker progress.
type ProgressCallback struct {
	Envelope
	Progress int
	Status   string
	Step     string
}

// CompletionCallback reports a terminal success with produced artifacts.
type CompletionCallback struct {
	Envelope
	IdempotencyKey string
	Results        []Artifact
}

// FailureCallback reports a terminal failure.
type FailureCallback struct {
	Envelope
	IdempotencyKey string
	Error          string
	ErrorStage     string
}

// Artifact is one produced output reference with derived metrics.
type Artifact struct {
	Kind            string  `json:"kind,omitempty"`
	OutputURL       string  `json:"output_url"`
	StartTime       float64 `json:"start_time,omitempty"`
	EndTime         float64 `json:"end_time,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
}

type rawObject map[string]json.RawMessage

// pick returns the first present key's raw value; callers list the preferred
// spelling first so the choice is deterministic.
func (o rawObject) pick(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := o[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func (o rawObject) str(keys ...string) string {
	raw, ok := o.pick(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (o rawObject) num(keys ...string) float64 {
	raw, ok := o.pick(keys...)
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

func parseObject(data []byte) (rawObject, error) {
	var o rawObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("malformed callback body: %w", err)
	}
	return o, nil
}

func (o rawObject) envelope() Envelope {
	return Envelope{
		JobID:        o.str("job_id", "jobId"),
		LockID:       o.str("lock_id", "lockId"),
		SharedSecret: o.str("shared_secret", "sharedSecret"),
	}
}

// NormalizeProgress parses a progress callback in either naming convention.
func NormalizeProgress(data []byte) (*ProgressCallback, error) {
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	return &ProgressCallback{
		Envelope: o.envelope(),
		Progress: int(o.num("progress")),
		Status:   o.str("status"),
		Step:     o.str("step", "current_step", "currentStep"),
	}, nil
}

// NormalizeCompletion parses a completion callback in either naming
// convention, including every artifact field.
func NormalizeCompletion(data []byte) (*CompletionCallback, error) {
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}

	cb := &CompletionCallback{
		Envelope:       o.envelope(),
		IdempotencyKey: o.str("idempotency_key", "idempotencyKey"),
	}

	raw, ok := o.pick("results")
	if ok {
		var items []rawObject
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("malformed results array: %w", err)
		}
		for _, item := range items {
			cb.Results = append(cb.Results, Artifact{
				Kind:            item.str("kind", "type"),
				OutputURL:       item.str("output_url", "outputUrl"),
				StartTime:       item.num("start_time", "startTime"),
				EndTime:         item.num("end_time", "endTime"),
				DurationSeconds: item.num("duration_seconds", "durationSeconds"),
				SizeBytes:       int64(item.num("size_bytes", "sizeBytes")),
				Width:           int(item.num("width")),
				Height:          int(item.num("height")),
			})
		}
	}

	return cb, nil
}

// NormalizeFailure parses a failure callback in either naming convention.
func NormalizeFailure(data []byte) (*FailureCallback, error) {
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	return &FailureCallback{
		Envelope:       o.envelope(),
		IdempotencyKey: o.str("idempotency_key", "idempotencyKey"),
		Error:          o.str("error", "error_message", "errorMessage"),
		ErrorStage:     o.str("error_stage", "errorStage"),
	}, nil
}

// NormalizeClaim parses a claim callback.
func NormalizeClaim(data []byte) (*Envelope, error) {
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	env := o.envelope()
	return &env, nil
}
