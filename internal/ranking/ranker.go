package ranking

import (
	"cmp"
	"slices"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
)

// Breakdown lists the per-signal contributions to a score.
type Breakdown struct {
	Citation     float64 `json:"citation"`
	Modification float64 `json:"modification"`
	Currency     float64 `json:"currency"`
	Authority    float64 `json:"authority"`
	Age          float64 `json:"age"`
}

// Total sums the contributions.
func (b Breakdown) Total() float64 {
	return b.Citation + b.Modification + b.Currency + b.Authority + b.Age
}

// Scored is a document together with the score computed for one ranking
// request. It is never persisted on its own.
type Scored struct {
	Document  document.Document `json:"document"`
	Score     float64           `json:"score"`
	Breakdown Breakdown         `json:"breakdown"`
	Tier      string            `json:"tier,omitempty"`
	Rank      int               `json:"rank"`
}

// Ranker orders candidate documents by a weighted sum of importance signals.
type Ranker struct {
	policy Policy
	now    func() time.Time
}

// Option customises a Ranker.
type Option func(*Ranker)

// WithClock overrides the clock used for the age signal.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) {
		if now != nil {
			r.now = now
		}
	}
}

// New validates the policy and builds a Ranker.
func New(p Policy, opts ...Option) (*Ranker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := &Ranker{policy: p.Clone(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Policy returns a copy of the active policy.
func (r *Ranker) Policy() Policy { return r.policy.Clone() }

// Score computes the score breakdown for one document. Absent signals
// contribute zero.
func (r *Ranker) Score(d document.Document) Breakdown {
	p := r.policy
	var b Breakdown
	if d.Citations > 0 {
		b.Citation = float64(d.Citations) * p.Cite
	}
	if d.Modifications > 0 {
		b.Modification = float64(d.Modifications) * p.Modify
	}
	if !d.Repealed {
		b.Currency = p.Active
	}
	if d.Type != document.AuthorityUnknown {
		b.Authority = p.TypeTable[d.Type] * p.Type
	}
	if !d.IssueDate.IsZero() {
		years := r.now().Year() - d.IssueDate.Year()
		if years > 0 {
			b.Age = min(float64(years)*p.Age, p.AgeCap)
		}
	}
	return b
}

// Rank returns docs ordered by descending score. Equal scores are ordered by
// issue date (newest first) and then by identifier. The input slice is not
// modified.
func (r *Ranker) Rank(docs []document.Document) []Scored {
	out := make([]Scored, 0, len(docs))
	for _, d := range docs {
		b := r.Score(d)
		total := b.Total()
		out = append(out, Scored{
			Document:  d,
			Score:     total,
			Breakdown: b,
			Tier:      r.policy.TierFor(total),
		})
	}
	slices.SortStableFunc(out, compareScored)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func compareScored(a, b Scored) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.Document.IssueDate.Compare(a.Document.IssueDate.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.Document.ID, b.Document.ID)
}

// Documents strips the scores from a ranked sequence.
func Documents(ranked []Scored) []document.Document {
	out := make([]document.Document, len(ranked))
	for i, s := range ranked {
		out[i] = s.Document
	}
	return out
}
