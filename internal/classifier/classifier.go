// Package classifier implements the complexity classifier: a
// pure heuristic that infers a task's execution tier from its description,
// file hints, and verification steps. It has no side effects and no
// third-party dependency — there is nothing here an external library would
// improve on; it is three counts, two keyword lists, and a vote.
package classifier

import "strings"

const (
	TierTrivial  = "trivial"
	TierStandard = "standard"
	TierComplex  = "complex"
	TierUnknown  = "unknown"
)

var complexKeywords = []string{
	"refactor", "architect", "migration", "redesign", "migrate",
	"security", "overhaul", "rewrite",
}

var trivialKeywords = []string{
	"fix typo", "update readme", "bump version", "rename",
	"typo", "format", "lint", "version bump",
}

// Signals are the raw counts and keyword flags the classification voted on.
type Signals struct {
	WordCount         int  `json:"word_count"`
	FileCount         int  `json:"file_count"`
	VerificationCount int  `json:"verification_count"`
	ComplexKeyword    bool `json:"complex_keyword"`
	TrivialKeyword    bool `json:"trivial_keyword"`
}

// Inferred is the classifier's own opinion, independent of any explicit tier
// the caller supplied.
type Inferred struct {
	Tier       string  `json:"tier"`
	Confidence float64 `json:"confidence"`
	Signals    Signals `json:"signals"`
}

// Result is Build's full output.
type Result struct {
	EffectiveTier string   `json:"effective_tier"`
	ExplicitTier  string   `json:"explicit_tier,omitempty"`
	Inferred      Inferred `json:"inferred"`
	Source        string   `json:"source"` // "explicit" | "inferred"
	Disagreement  bool     `json:"disagreement"`
}

// Params is Build's input.
type Params struct {
	Description       string
	FileHints         []string
	VerificationSteps []string
	// ExplicitTier, if one of trivial|standard|complex|unknown, wins over
	// inference but does not suppress it.
	ExplicitTier string
}

// Build classifies a task's complexity from its description and shape.
func Build(p Params) Result {
	signals := Signals{
		WordCount:         len(strings.Fields(p.Description)),
		FileCount:         len(p.FileHints),
		VerificationCount: len(p.VerificationSteps),
	}

	lower := strings.ToLower(p.Description)
	signals.ComplexKeyword = containsAny(lower, complexKeywords)
	signals.TrivialKeyword = containsAny(lower, trivialKeywords)

	inferred := infer(signals)

	explicit := normalizeTier(p.ExplicitTier)
	if explicit == "" {
		return Result{
			EffectiveTier: inferred.Tier,
			Inferred:      inferred,
			Source:        "inferred",
		}
	}
	return Result{
		EffectiveTier: explicit,
		ExplicitTier:  explicit,
		Inferred:      inferred,
		Source:        "explicit",
		Disagreement:  explicit != inferred.Tier,
	}
}

func infer(s Signals) Inferred {
	// 1. All signals zero.
	if s.WordCount == 0 && s.FileCount == 0 && s.VerificationCount == 0 {
		return Inferred{Tier: TierUnknown, Confidence: 0, Signals: s}
	}

	// 2. Complex keyword present.
	if s.ComplexKeyword {
		supporting := 0
		if s.WordCount > 50 {
			supporting++
		}
		if s.FileCount >= 4 {
			supporting++
		}
		if s.VerificationCount >= 4 {
			supporting++
		}
		confidence := clamp(0.7+0.1*float64(supporting), 0, 1)
		return Inferred{Tier: TierComplex, Confidence: confidence, Signals: s}
	}

	// 3. Trivial keyword present and shape stays small.
	if s.TrivialKeyword && s.FileCount <= 3 && s.VerificationCount <= 3 {
		confidence := 0.75
		if s.WordCount < 10 {
			confidence = 0.9
		}
		return Inferred{Tier: TierTrivial, Confidence: confidence, Signals: s}
	}

	// 4. Majority vote of three sub-scores.
	wordVote := bucketWord(s.WordCount)
	fileVote := bucketCount(s.FileCount)
	verifVote := bucketCount(s.VerificationCount)

	tally := map[string]int{}
	tally[wordVote]++
	tally[fileVote]++
	tally[verifVote]++

	majority := majorityTier(tally)
	if majority == TierTrivial && !s.TrivialKeyword {
		// Pure heuristics alone cannot produce a trivial classification.
		majority = TierStandard
	}

	confidence := clamp(float64(tally[majority])/3, 0, 1)
	return Inferred{Tier: majority, Confidence: confidence, Signals: s}
}

// bucketWord buckets a word count: <10 trivial, 10-50 standard, >50 complex.
func bucketWord(n int) string {
	switch {
	case n < 10:
		return TierTrivial
	case n <= 50:
		return TierStandard
	default:
		return TierComplex
	}
}

// bucketCount buckets a file/verification-step count: 0 trivial, 1-3
// standard, >=4 complex.
func bucketCount(n int) string {
	switch {
	case n == 0:
		return TierTrivial
	case n <= 3:
		return TierStandard
	default:
		return TierComplex
	}
}

// majorityTier picks the tier with the most votes; ties break toward
// standard, then complex, then trivial.
func majorityTier(tally map[string]int) string {
	best := TierStandard
	bestCount := -1
	for _, tier := range []string{TierStandard, TierComplex, TierTrivial} {
		if tally[tier] > bestCount {
			bestCount = tally[tier]
			best = tier
		}
	}
	return best
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func normalizeTier(tier string) string {
	switch tier {
	case TierTrivial, TierStandard, TierComplex, TierUnknown:
		return tier
	default:
		return ""
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
