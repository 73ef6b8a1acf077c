package domain

// Category identifies a protected content category. The builtin categories are
// declared as constants; hosts may register additional identifiers.
type Category string

const (
	// CategoryCrypto covers cryptocurrency solicitation and wallet identifiers.
	CategoryCrypto Category = "crypto"
	// CategoryPhone covers telephone numbers.
	CategoryPhone Category = "phone"
	// CategorySensitiveSocial covers sensitive social-issue discourse.
	CategorySensitiveSocial Category = "sensitive_social"
	// CategoryAdultContent covers sexual or otherwise adult-only content.
	CategoryAdultContent Category = "adult_content"
)

// String returns the category identifier.
func (c Category) String() string {
	return string(c)
}

// Source records which detector family produced a Match.
type Source string

const (
	// SourcePattern marks deterministic, rule-based matches.
	SourcePattern Source = "pattern"
	// SourceModel marks matches reported by an external classifier.
	SourceModel Source = "model"
)

// Span is a half-open byte range [Start, End) into the evaluated text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// ValidFor reports whether the span is non-empty and lies within a text of textLen bytes.
func (s Span) ValidFor(textLen int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= textLen
}

// Overlaps reports whether the two spans share at least one byte. Adjacent
// spans (one ends where the other starts) do not overlap.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Union returns the smallest span covering both spans.
func (s Span) Union(other Span) Span {
	out := s
	if other.Start < out.Start {
		out.Start = other.Start
	}
	if other.End > out.End {
		out.End = other.End
	}
	return out
}

// Match is a single candidate finding produced by a detector.
type Match struct {
	Span       Span     `json:"span"`
	Text       string   `json:"text"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Source     Source   `json:"source"`
	// Rule names the lexicon rule or detector that produced the match.
	Rule string `json:"rule,omitempty"`
}

// Verdict is the aggregated, thresholded outcome for one category.
type Verdict struct {
	Category Category `json:"category"`
	// Matches are non-overlapping and sorted by start offset.
	Matches    []Match `json:"matches"`
	Triggered  bool    `json:"triggered"`
	Confidence float64 `json:"confidence"`
}

// Clone returns a copy of the verdict that does not share its match slice.
func (v Verdict) Clone() Verdict {
	out := v
	if len(v.Matches) > 0 {
		out.Matches = append([]Match(nil), v.Matches...)
	}
	return out
}
