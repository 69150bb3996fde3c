// Package extract turns the opaque completion payload of an analysis task
// into structured signals. It owns the ordered field-path strategies for
// locating the answer text and cited sources, and the URL normalization that
// defines source identity.
package extract

// Signals is the structured outcome of analyzing one answer for one entity.
// Every field tolerates absence: a nil sentiment or position simply carries
// no weight downstream.
type Signals struct {
	// Sentiment is a 0-100 score for how favorably the entity is portrayed.
	Sentiment *float64 `json:"sentiment,omitempty"`
	// Position is the entity's 1-based rank in the answer; nil or <=0 means
	// the entity was not mentioned.
	Position *int `json:"position,omitempty"`
	// Competitors lists other brands named alongside the entity.
	Competitors []CompetitorSignal `json:"competitors,omitempty"`
}

// CompetitorSignal is one competitor observation inside an answer.
type CompetitorSignal struct {
	Name      string   `json:"name"`
	Position  *int     `json:"position,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`
}

// Mentioned reports whether the signals count as a mention: a present,
// positive position. Sentiment alone does not make a mention.
func (s Signals) Mentioned() bool {
	return s.Position != nil && *s.Position > 0
}

// CitedSource is one source URL observed in a completion payload, with how
// many times the answer cited it.
type CitedSource struct {
	URL      string
	Mentions int64
}
