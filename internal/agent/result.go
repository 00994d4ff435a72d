package agent

import (
	"encoding/json"
	"strings"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/document"
	"github.com/mohammad-safakhou/lexresearch/internal/provenance"
	"github.com/mohammad-safakhou/lexresearch/internal/textutil"
)

// Source is a primary source cited by the final answer.
type Source struct {
	ID    string             `json:"id"`
	Title string             `json:"title"`
	Type  document.Authority `json:"type,omitempty"`
	Date  document.Date      `json:"date,omitempty"`
	Tier  string             `json:"tier,omitempty"`
	Score float64            `json:"score,omitempty"`
}

// Result is the structured outcome of a completed run.
type Result struct {
	Summary           string   `json:"summary"`
	KeyPoints         []string `json:"key_points"`
	Narrative         string   `json:"exhaustive_content"`
	PracticalGuidance string   `json:"practical_guidance,omitempty"`
	PrimarySources    []Source `json:"primary_sources"`
	CitationNetwork   string   `json:"citation_network,omitempty"`
	AmendmentHistory  string   `json:"amendment_history,omitempty"`
	Validity          string   `json:"validity,omitempty"`
	// UnverifiedReferences lists cited identifiers that no tool returned.
	// They are removed from PrimarySources.
	UnverifiedReferences []string `json:"unverified_references,omitempty"`

	Provider             string       `json:"provider"`
	Iterations           int          `json:"iterations"`
	ToolCalls            int          `json:"tool_calls"`
	ProvenanceRejections int          `json:"provenance_rejections"`
	Usage                budget.Usage `json:"usage"`
}

// answer is the JSON shape requested from the model.
type answer struct {
	Summary           string   `json:"summary"`
	KeyPoints         []string `json:"key_points"`
	Narrative         string   `json:"exhaustive_content"`
	PracticalGuidance string   `json:"practical_guidance"`
	PrimarySources    []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"primary_sources"`
	CitationNetwork  string `json:"citation_network"`
	AmendmentHistory string `json:"amendment_history"`
	Validity         string `json:"validity"`
}

// parseAnswer turns the model's final text into a Result. Answers that are
// not the requested JSON object are kept as the narrative. Sources are
// checked against the session and enriched with their ranking.
func parseAnswer(content string, session *provenance.Session, ranked map[string]Source) Result {
	var a answer
	raw := extractJSON(content)
	if raw == "" || json.Unmarshal([]byte(raw), &a) != nil {
		text := strings.TrimSpace(content)
		return Result{Summary: firstParagraph(text), KeyPoints: []string{}, Narrative: text, PrimarySources: []Source{}}
	}
	res := Result{
		Summary:           a.Summary,
		KeyPoints:         a.KeyPoints,
		Narrative:         a.Narrative,
		PracticalGuidance: a.PracticalGuidance,
		CitationNetwork:   a.CitationNetwork,
		AmendmentHistory:  a.AmendmentHistory,
		Validity:          a.Validity,
		PrimarySources:    []Source{},
	}
	if res.KeyPoints == nil {
		res.KeyPoints = []string{}
	}
	seen := map[string]bool{}
	for _, s := range a.PrimarySources {
		id := strings.TrimSpace(s.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		doc, ok := session.Lookup(id)
		if !ok {
			res.UnverifiedReferences = append(res.UnverifiedReferences, id)
			continue
		}
		src, ok := ranked[id]
		if !ok {
			src = Source{ID: doc.ID, Title: doc.Title, Type: doc.Type, Date: doc.IssueDate}
		}
		if src.Title == "" {
			src.Title = s.Title
		}
		res.PrimarySources = append(res.PrimarySources, src)
	}
	return res
}

func extractJSON(s string) string {
	out, _ := textutil.ExtractObject(s)
	return out
}

func firstParagraph(s string) string {
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
