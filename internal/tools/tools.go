// Package tools defines the retrieval operations the research agent may call
// and adapters that execute them against the knowledge-graph service.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
)

// Name identifies a tool operation.
type Name string

const (
	Search         Name = "search"
	Citations      Name = "citations"
	Amendments     Name = "amendments"
	Status         Name = "status"
	Relationships  Name = "relationships"
	ExtractContent Name = "extract_content"
)

// Names lists every operation in the order tool schemas are advertised.
var Names = []Name{Search, Citations, Amendments, Status, Relationships, ExtractContent}

const (
	DefaultSearchLimit     = 50
	MaxSearchLimit         = 100
	DefaultMaxExtractBatch = 3
	minKeywordLength       = 3
)

// Known reports whether n is a supported operation.
func (n Name) Known() bool {
	for _, k := range Names {
		if k == n {
			return true
		}
	}
	return false
}

// ReferencesDocuments reports whether the operation takes document identifiers
// as input.
func (n Name) ReferencesDocuments() bool {
	switch n {
	case Citations, Amendments, Status, Relationships, ExtractContent:
		return true
	}
	return false
}

// Request is a single tool invocation proposed by the model.
type Request struct {
	CallID string          `json:"call_id"`
	Name   Name            `json:"name"`
	Args   json.RawMessage `json:"arguments"`
}

// SearchArgs are the arguments of the search operation.
type SearchArgs struct {
	Keyword string `json:"keyword"`
	Limit   int    `json:"limit,omitempty"`
}

// DocumentArgs are the arguments of single-document lookups.
type DocumentArgs struct {
	DocumentID string `json:"document_id"`
}

// ExtractArgs are the arguments of extract_content.
type ExtractArgs struct {
	DocumentIDs []string `json:"document_ids"`
}

// ArgumentError reports malformed tool arguments. It is returned to the model
// like any other tool failure.
type ArgumentError struct {
	Tool    Name
	Message string
}

func (e ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
}

func (r Request) decode(v any) error {
	args := r.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return ArgumentError{Tool: r.Name, Message: err.Error()}
	}
	return nil
}

// SearchArgs decodes and normalises search arguments.
func (r Request) SearchArgs() (SearchArgs, error) {
	var a SearchArgs
	if err := r.decode(&a); err != nil {
		return a, err
	}
	a.Keyword = strings.TrimSpace(a.Keyword)
	if utf8.RuneCountInString(a.Keyword) < minKeywordLength {
		return a, ArgumentError{Tool: r.Name, Message: fmt.Sprintf("keyword must be at least %d characters", minKeywordLength)}
	}
	if a.Limit <= 0 {
		a.Limit = DefaultSearchLimit
	}
	if a.Limit > MaxSearchLimit {
		a.Limit = MaxSearchLimit
	}
	return a, nil
}

// DocumentIDs returns the identifiers the request refers to. Operations that
// do not take identifiers return nil.
func (r Request) DocumentIDs() ([]string, error) {
	switch r.Name {
	case Citations, Amendments, Status, Relationships:
		var a DocumentArgs
		if err := r.decode(&a); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(a.DocumentID)
		if id == "" {
			return nil, ArgumentError{Tool: r.Name, Message: "document_id is required"}
		}
		return []string{id}, nil
	case ExtractContent:
		var a ExtractArgs
		if err := r.decode(&a); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(a.DocumentIDs))
		for _, id := range a.DocumentIDs {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, ArgumentError{Tool: r.Name, Message: "document_ids must not be empty"}
		}
		return ids, nil
	case Search:
		return nil, nil
	default:
		return nil, ArgumentError{Tool: r.Name, Message: "unknown tool"}
	}
}

// SearchResult is the payload of a search call.
type SearchResult struct {
	Keyword   string              `json:"keyword,omitempty"`
	Documents []document.Document `json:"documents"`
}

// CitationsResult is the payload of a citations call.
type CitationsResult struct {
	DocumentID string              `json:"document_id"`
	Citing     []document.Document `json:"citing"`
	Cited      []document.Document `json:"cited"`
}

// AmendmentsResult is the payload of an amendments call.
type AmendmentsResult struct {
	DocumentID string              `json:"document_id"`
	Modifies   []document.Document `json:"modifies"`
	ModifiedBy []document.Document `json:"modified_by"`
}

// StatusResult is the payload of a status call.
type StatusResult struct {
	DocumentID           string              `json:"document_id"`
	Current              bool                `json:"current"`
	RepealingDocuments   []document.Document `json:"repealing_documents"`
	ConsolidatedVersions []document.Document `json:"consolidated_versions"`
}

// RelationshipsResult is the payload of a relationships call.
type RelationshipsResult struct {
	DocumentID      string              `json:"document_id"`
	Foundations     []document.Document `json:"foundations"`
	Implementations []document.Document `json:"implementations"`
}

// ExtractResult maps document identifiers to extracted text.
type ExtractResult struct {
	Contents map[string]string `json:"contents"`
}

// DocumentCarrier is implemented by payloads that introduce documents.
type DocumentCarrier interface {
	AllDocuments() []document.Document
}

func (r SearchResult) AllDocuments() []document.Document { return r.Documents }

func (r CitationsResult) AllDocuments() []document.Document {
	return concat(r.Citing, r.Cited)
}

func (r AmendmentsResult) AllDocuments() []document.Document {
	return concat(r.Modifies, r.ModifiedBy)
}

func (r StatusResult) AllDocuments() []document.Document {
	return concat(r.RepealingDocuments, r.ConsolidatedVersions)
}

func (r RelationshipsResult) AllDocuments() []document.Document {
	return concat(r.Foundations, r.Implementations)
}

func concat(groups ...[]document.Document) []document.Document {
	var out []document.Document
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Gateway executes retrieval operations against the knowledge graph.
type Gateway interface {
	Search(ctx context.Context, args SearchArgs) (SearchResult, error)
	Citations(ctx context.Context, documentID string) (CitationsResult, error)
	Amendments(ctx context.Context, documentID string) (AmendmentsResult, error)
	Status(ctx context.Context, documentID string) (StatusResult, error)
	Relationships(ctx context.Context, documentID string) (RelationshipsResult, error)
	ExtractContent(ctx context.Context, documentIDs []string) (ExtractResult, error)
}
