package ranking

import (
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
)

// Tier labels a score band. Tiers are evaluated from the highest MinScore down.
type Tier struct {
	Name     string  `mapstructure:"name" json:"name"`
	MinScore float64 `mapstructure:"min_score" json:"min_score"`
}

// Policy is the weighting configuration for the scorer. Swapping the policy
// changes the ranking strategy without touching the algorithm.
type Policy struct {
	Cite      float64                        `json:"cite"`
	Modify    float64                        `json:"modify"`
	Active    float64                        `json:"active"`
	Type      float64                        `json:"type"`
	TypeTable map[document.Authority]float64 `json:"type_table"`
	Age       float64                        `json:"age"`
	// AgeCap bounds the age term's contribution, not the age itself.
	AgeCap float64 `json:"age_cap"`
	Tiers  []Tier  `json:"tiers,omitempty"`
}

// DefaultTiers mirrors the importance bands used by the research assistant.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "critical", MinScore: 800},
		{Name: "very_high", MinScore: 600},
		{Name: "high", MinScore: 400},
		{Name: "medium", MinScore: 200},
		{Name: "low", MinScore: 0},
	}
}

// DefaultPolicy returns the weights the service ships with.
func DefaultPolicy() Policy {
	return Policy{
		Cite:   10,
		Modify: 5,
		Active: 300,
		Type:   50,
		TypeTable: map[document.Authority]float64{
			document.AuthorityConstitution:         6,
			document.AuthorityCode:                 5,
			document.AuthorityLaw:                  4,
			document.AuthorityGrandDucalRegulation: 3,
			document.AuthorityMinisterialOrder:     2,
			document.AuthorityOther:                1,
		},
		Age:    2,
		AgeCap: 100,
		Tiers:  DefaultTiers(),
	}
}

// Validate rejects negative weights and a type table that is not monotone
// in authority level.
func (p Policy) Validate() error {
	weights := map[string]float64{
		"cite": p.Cite, "modify": p.Modify, "active": p.Active,
		"type": p.Type, "age": p.Age, "age_cap": p.AgeCap,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("ranking.%s cannot be negative", name)
		}
	}
	levels := make([]document.Authority, 0, len(p.TypeTable))
	for a, w := range p.TypeTable {
		if w < 0 {
			return fmt.Errorf("ranking.type_table[%s] cannot be negative", a)
		}
		levels = append(levels, a)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	for i := 1; i < len(levels); i++ {
		if p.TypeTable[levels[i]] < p.TypeTable[levels[i-1]] {
			return fmt.Errorf("ranking.type_table must not give %s less weight than %s", levels[i], levels[i-1])
		}
	}
	return nil
}

// Clone returns a deep copy so callers may mutate tables safely.
func (p Policy) Clone() Policy {
	out := p
	if p.TypeTable != nil {
		out.TypeTable = make(map[document.Authority]float64, len(p.TypeTable))
		for k, v := range p.TypeTable {
			out.TypeTable[k] = v
		}
	}
	if p.Tiers != nil {
		out.Tiers = append([]Tier(nil), p.Tiers...)
	}
	return out
}

// TierFor returns the name of the highest tier whose MinScore is <= score.
func (p Policy) TierFor(score float64) string {
	best := ""
	bestMin := 0.0
	for _, t := range p.Tiers {
		if score >= t.MinScore && (best == "" || t.MinScore > bestMin) {
			best, bestMin = t.Name, t.MinScore
		}
	}
	return best
}
