package document

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Authority is the ordered legal-authority level of a document. Higher values
// carry more formal authority.
type Authority int

const (
	AuthorityUnknown Authority = iota
	AuthorityOther
	AuthorityMinisterialOrder
	AuthorityGrandDucalRegulation
	AuthorityLaw
	AuthorityCode
	AuthorityConstitution
)

var authorityNames = map[Authority]string{
	AuthorityUnknown:              "unknown",
	AuthorityOther:                "other",
	AuthorityMinisterialOrder:     "ministerial_order",
	AuthorityGrandDucalRegulation: "grand_ducal_regulation",
	AuthorityLaw:                  "law",
	AuthorityCode:                 "code",
	AuthorityConstitution:         "constitution",
}

func (a Authority) String() string {
	if n, ok := authorityNames[a]; ok {
		return n
	}
	return "unknown"
}

// ParseAuthority maps a type label or ontology URI onto an Authority. Unknown
// or empty inputs yield AuthorityUnknown so callers can treat the signal as
// absent.
func ParseAuthority(s string) Authority {
	s = strings.TrimSpace(s)
	if s == "" {
		return AuthorityUnknown
	}
	if i := strings.LastIndexAny(s, "#/"); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	switch strings.ToLower(s) {
	case "constitution", "constitutionallaw", "const":
		return AuthorityConstitution
	case "code", "legalcode":
		return AuthorityCode
	case "law", "loi", "act", "legislation":
		return AuthorityLaw
	case "grand_ducal_regulation", "grandducalregulation", "rgd", "regulation", "reglement":
		return AuthorityGrandDucalRegulation
	case "ministerial_order", "ministerialorder", "amin", "arrete", "order":
		return AuthorityMinisterialOrder
	case "unknown":
		return AuthorityUnknown
	default:
		return AuthorityOther
	}
}

func (a Authority) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Authority) UnmarshalText(b []byte) error {
	*a = ParseAuthority(string(b))
	return nil
}

// Date is a calendar date that tolerates the formats returned by the
// knowledge graph (plain dates, RFC3339 timestamps, empty strings).
type Date struct {
	time.Time
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006"}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t.UTC()}, nil
		}
	}
	return Date{}, fmt.Errorf("unrecognised date %q", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format("2006-01-02"))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Document is a single legal source record as returned by a retrieval tool.
// Documents are treated as immutable once retrieved.
type Document struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	IssueDate     Date      `json:"date"`
	Type          Authority `json:"type"`
	Issuer        string    `json:"authority,omitempty"`
	Citations     int       `json:"citation_count,omitempty"`
	Modifications int       `json:"modification_count,omitempty"`
	Repealed      bool      `json:"repealed,omitempty"`
}

// IDs returns the identifiers of docs in order, skipping blanks.
func IDs(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID != "" {
			out = append(out, d.ID)
		}
	}
	return out
}
