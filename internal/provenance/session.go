// Package provenance tracks which document identifiers a research run has
// legitimately retrieved and blocks tool calls that reference anything else.
package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// Violation reports a tool call that referenced an unregistered identifier.
type Violation struct {
	Tool       tools.Name
	DocumentID string
}

func (v Violation) Error() string {
	return fmt.Sprintf("BLOCKED: document '%s' was not returned by any previous search in this session. Use only identifiers from search results.", v.DocumentID)
}

// Invocation is one entry of the session's tool log.
type Invocation struct {
	Tool       tools.Name      `json:"tool"`
	Args       json.RawMessage `json:"arguments,omitempty"`
	At         time.Time       `json:"at"`
	Accepted   bool            `json:"accepted"`
	RejectedID string          `json:"rejected_id,omitempty"`
	Failure    string          `json:"failure,omitempty"`
}

// Session is the provenance state of a single research run. It must not be
// shared between runs.
type Session struct {
	mu         sync.Mutex
	registered map[string]document.Document
	order      []string
	log        []Invocation
	rejections int
	now        func() time.Time
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{registered: make(map[string]document.Document), now: time.Now}
}

// Register adds documents returned by a gateway call. It returns how many
// identifiers were new. Registered identifiers are never removed.
func (s *Session) Register(docs ...document.Document) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		if _, ok := s.registered[d.ID]; ok {
			continue
		}
		s.registered[d.ID] = d
		s.order = append(s.order, d.ID)
		added++
	}
	return added
}

// Validate reports whether id is registered.
func (s *Session) Validate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[id]
	return ok
}

// Lookup returns the registered document for id.
func (s *Session) Lookup(id string) (document.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.registered[id]
	return d, ok
}

// Check validates every identifier referenced by req without executing it.
func (s *Session) Check(req tools.Request) error {
	ids, err := req.DocumentIDs()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.registered[id]; !ok {
			return Violation{Tool: req.Name, DocumentID: id}
		}
	}
	return nil
}

// Guard executes req through gw only when every referenced identifier is
// registered. Rejections come back as failure results for the model and the
// gateway is not called. Only a successful search registers documents;
// identifiers surfaced by citation, amendment or relationship lookups must
// be found through search before they can be used.
func (s *Session) Guard(ctx context.Context, gw tools.Gateway, req tools.Request, maxExtractBatch int) tools.Result {
	if err := s.Check(req); err != nil {
		var v Violation
		var argErr tools.ArgumentError
		switch {
		case errors.As(err, &v):
			s.record(req, false, v.DocumentID, string(tools.FailureProvenance))
			return tools.Failed(req, tools.Failure{Kind: tools.FailureProvenance, DocumentID: v.DocumentID, Message: v.Error()})
		case errors.As(err, &argErr):
			s.record(req, false, "", string(tools.FailureArguments))
			return tools.Failed(req, tools.Failure{Kind: tools.FailureArguments, Message: argErr.Message})
		default:
			s.record(req, false, "", string(tools.FailureArguments))
			return tools.Failed(req, tools.Failure{Kind: tools.FailureArguments, Message: err.Error()})
		}
	}

	res := tools.Dispatch(ctx, gw, req, maxExtractBatch)
	failure := ""
	if !res.OK() {
		failure = string(res.Failure.Kind)
	}
	s.record(req, true, "", failure)
	if res.OK() && req.Name == tools.Search {
		s.Register(res.Documents()...)
	}
	return res
}

func (s *Session) record(req tools.Request, accepted bool, rejectedID, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rejectedID != "" {
		s.rejections++
	}
	s.log = append(s.log, Invocation{
		Tool:       req.Name,
		Args:       append(json.RawMessage(nil), req.Args...),
		At:         s.now().UTC(),
		Accepted:   accepted,
		RejectedID: rejectedID,
		Failure:    failure,
	})
}

// Rejections returns the number of provenance rejections in this session.
func (s *Session) Rejections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejections
}

// Log returns a copy of the invocation log.
func (s *Session) Log() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.log...)
}

// Registered returns the registered identifiers in registration order.
func (s *Session) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
