package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
)

// FailureKind classifies a failed tool call.
type FailureKind string

const (
	FailureProvenance FailureKind = "provenance_violation"
	FailureExecution  FailureKind = "tool_execution_error"
	FailureArguments  FailureKind = "invalid_arguments"
)

// Failure is the typed failure variant of a Result.
type Failure struct {
	Kind       FailureKind `json:"error"`
	Tool       Name        `json:"tool"`
	DocumentID string      `json:"document_id,omitempty"`
	Message    string      `json:"message"`
}

// Result is the outcome of one tool call: exactly one of Payload or Failure
// is set.
type Result struct {
	CallID  string   `json:"call_id"`
	Tool    Name     `json:"tool"`
	Payload any      `json:"payload,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Succeeded wraps a payload for req.
func Succeeded(req Request, payload any) Result {
	return Result{CallID: req.CallID, Tool: req.Name, Payload: payload}
}

// Failed wraps a failure for req.
func Failed(req Request, f Failure) Result {
	f.Tool = req.Name
	return Result{CallID: req.CallID, Tool: req.Name, Failure: &f}
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Content renders the text handed back to the model for this result.
func (r Result) Content() string {
	var v any = r.Payload
	if r.Failure != nil {
		v = r.Failure
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"message":"unencodable tool payload"}`, FailureExecution)
	}
	return string(b)
}

// Documents returns the documents introduced by a successful result.
func (r Result) Documents() []document.Document {
	if c, ok := r.Payload.(DocumentCarrier); ok && r.OK() {
		return c.AllDocuments()
	}
	return nil
}

// ExecutionError wraps a Gateway failure such as a timeout or a malformed
// upstream response.
type ExecutionError struct {
	Tool Name
	Err  error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }

// Dispatch routes req to the matching Gateway operation and wraps the outcome
// as a Result. Gateway errors never escape; they become failure results.
func Dispatch(ctx context.Context, gw Gateway, req Request, maxExtractBatch int) Result {
	payload, err := dispatch(ctx, gw, req, maxExtractBatch)
	if err != nil {
		var argErr ArgumentError
		if errors.As(err, &argErr) {
			return Failed(req, Failure{Kind: FailureArguments, Message: argErr.Message})
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out: %w", err)
		}
		return Failed(req, Failure{Kind: FailureExecution, Message: ExecutionError{Tool: req.Name, Err: err}.Error()})
	}
	return Succeeded(req, payload)
}

func dispatch(ctx context.Context, gw Gateway, req Request, maxExtractBatch int) (any, error) {
	if maxExtractBatch <= 0 {
		maxExtractBatch = DefaultMaxExtractBatch
	}
	if req.Name == Search {
		args, err := req.SearchArgs()
		if err != nil {
			return nil, err
		}
		return gw.Search(ctx, args)
	}
	ids, err := req.DocumentIDs()
	if err != nil {
		return nil, err
	}
	switch req.Name {
	case Citations:
		return gw.Citations(ctx, ids[0])
	case Amendments:
		return gw.Amendments(ctx, ids[0])
	case Status:
		return gw.Status(ctx, ids[0])
	case Relationships:
		return gw.Relationships(ctx, ids[0])
	case ExtractContent:
		if len(ids) > maxExtractBatch {
			return nil, ArgumentError{Tool: req.Name, Message: fmt.Sprintf("at most %d documents per extraction", maxExtractBatch)}
		}
		return gw.ExtractContent(ctx, ids)
	}
	return nil, ArgumentError{Tool: req.Name, Message: "unknown tool"}
}
