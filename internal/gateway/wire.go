package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
	"github.com/mohammad-safakhou/lexresearch/internal/textutil"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// wireDocument is a document as the legal data server reports it. Field
// names vary between tools, so every known alias is accepted.
type wireDocument struct {
	URI               string          `json:"uri"`
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Date              string          `json:"date"`
	Type              string          `json:"type"`
	DocumentType      string          `json:"document_type"`
	Authority         string          `json:"authority"`
	CitationCount     json.RawMessage `json:"citation_count"`
	ModificationCount json.RawMessage `json:"modification_count"`
	Repealed          bool            `json:"repealed"`
	IsRepealed        bool            `json:"is_repealed"`
}

func (w wireDocument) document() document.Document {
	id := w.URI
	if id == "" {
		id = w.ID
	}
	kind := w.Type
	if kind == "" {
		kind = w.DocumentType
	}
	d := document.Document{
		ID:            strings.TrimSpace(id),
		Title:         strings.TrimSpace(w.Title),
		Type:          document.ParseAuthority(kind),
		Issuer:        w.Authority,
		Citations:     count(w.CitationCount),
		Modifications: count(w.ModificationCount),
		Repealed:      w.Repealed || w.IsRepealed,
	}
	if date, err := document.ParseDate(w.Date); err == nil {
		d.IssueDate = date
	}
	return d
}

// count accepts numbers and numeric strings; anything else is zero.
func count(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func documents(groups ...[]wireDocument) []document.Document {
	out := []document.Document{}
	seen := map[string]bool{}
	for _, g := range groups {
		for _, w := range g {
			d := w.document()
			if d.ID == "" || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	return out
}

// envelope carries the status fields every remote tool reports.
type envelope struct {
	QuerySuccessful *bool  `json:"query_successful"`
	Error           string `json:"error"`
}

type wireSearch struct {
	envelope
	Documents []wireDocument `json:"documents"`
}

func (w wireSearch) result(keyword string) tools.SearchResult {
	return tools.SearchResult{Keyword: keyword, Documents: documents(w.Documents)}
}

type wireCitations struct {
	envelope
	CitingDocuments []wireDocument `json:"citing_documents"`
	CitingLaws      []wireDocument `json:"citing_laws"`
	CitedDocuments  []wireDocument `json:"cited_documents"`
	ReferencedLaws  []wireDocument `json:"referenced_laws"`
}

func (w wireCitations) result(id string) tools.CitationsResult {
	return tools.CitationsResult{
		DocumentID: id,
		Citing:     documents(w.CitingDocuments, w.CitingLaws),
		Cited:      documents(w.CitedDocuments, w.ReferencedLaws),
	}
}

type wireAmendments struct {
	envelope
	Modifications     []wireDocument `json:"modifications"`
	ModifiedBy        []wireDocument `json:"modified_by"`
	ModifiedDocuments []wireDocument `json:"modified_documents"`
	Modifies          []wireDocument `json:"modifies"`
}

func (w wireAmendments) result(id string) tools.AmendmentsResult {
	return tools.AmendmentsResult{
		DocumentID: id,
		Modifies:   documents(w.ModifiedDocuments, w.Modifies),
		ModifiedBy: documents(w.Modifications, w.ModifiedBy),
	}
}

type wireStatus struct {
	envelope
	IsActive             *bool          `json:"is_active"`
	Current              *bool          `json:"current"`
	RepealingDocuments   []wireDocument `json:"repealing_documents"`
	RepealedBy           []wireDocument `json:"repealed_by"`
	ConsolidatedVersions []wireDocument `json:"consolidated_versions"`
	Consolidations       []wireDocument `json:"consolidations"`
}

func (w wireStatus) result(id string) tools.StatusResult {
	repealing := documents(w.RepealingDocuments, w.RepealedBy)
	current := len(repealing) == 0
	switch {
	case w.IsActive != nil:
		current = *w.IsActive
	case w.Current != nil:
		current = *w.Current
	}
	return tools.StatusResult{
		DocumentID:           id,
		Current:              current,
		RepealingDocuments:   repealing,
		ConsolidatedVersions: documents(w.ConsolidatedVersions, w.Consolidations),
	}
}

type wireRelationships struct {
	envelope
	Foundations      []wireDocument `json:"foundations"`
	LegalBasis       []wireDocument `json:"legal_basis"`
	Implementations  []wireDocument `json:"implementations"`
	ImplementingActs []wireDocument `json:"implementing_acts"`
}

func (w wireRelationships) result(id string) tools.RelationshipsResult {
	return tools.RelationshipsResult{
		DocumentID:      id,
		Foundations:     documents(w.Foundations, w.LegalBasis),
		Implementations: documents(w.Implementations, w.ImplementingActs),
	}
}

type wireExtract struct {
	envelope
	Contents           map[string]string `json:"contents"`
	ExtractedDocuments []struct {
		URI      string `json:"uri"`
		FullText string `json:"full_text"`
		Text     string `json:"text"`
	} `json:"extracted_documents"`
}

func (w wireExtract) result() tools.ExtractResult {
	out := make(map[string]string, len(w.Contents)+len(w.ExtractedDocuments))
	for id, text := range w.Contents {
		out[id] = textutil.PlainText(text)
	}
	for _, d := range w.ExtractedDocuments {
		text := d.FullText
		if text == "" {
			text = d.Text
		}
		if text = textutil.PlainText(text); d.URI != "" && text != "" {
			out[d.URI] = text
		}
	}
	return tools.ExtractResult{Contents: out}
}
