// Package classify infers a complexity tier for a task from its
// description and hints. Pure; no state beyond telemetry counters.
package classify

import (
	"strings"

	"github.com/agentcom/agentcom/internal/metrics"
)

// Tier is a task complexity tier.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
	TierUnknown  Tier = "unknown"
)

// ValidTier reports whether s names a tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierTrivial, TierStandard, TierComplex, TierUnknown:
		return true
	}
	return false
}

var complexKeywords = []string{
	"refactor", "architect", "migration", "redesign", "migrate",
	"security", "overhaul", "rewrite",
}

var trivialKeywords = []string{
	"fix typo", "update readme", "bump version", "rename", "typo",
	"format", "lint", "version bump",
}

// Params is the classifier input.
type Params struct {
	Description       string
	FileHints         []string
	VerificationSteps []string
	ExplicitTier      string
}

// Signals are the raw inference inputs recorded on the result.
type Signals struct {
	WordCount         int  `json:"word_count"`
	FileCount         int  `json:"file_count"`
	VerificationCount int  `json:"verification_count"`
	ComplexKeyword    bool `json:"complex_keyword"`
	TrivialKeyword    bool `json:"trivial_keyword"`
}

// Inferred is the heuristic half of a classification.
type Inferred struct {
	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`
	Signals    Signals `json:"signals"`
}

// Classification is the full result. EffectiveTier is what downstream
// routing uses; Source records whether it came from the caller or the
// heuristics.
type Classification struct {
	EffectiveTier Tier     `json:"effective_tier"`
	ExplicitTier  Tier     `json:"explicit_tier,omitempty"`
	Inferred      Inferred `json:"inferred"`
	Source        string   `json:"source"` // "explicit" or "inferred"
}

// Build classifies the task. An explicit valid tier always wins, but
// inference still runs so disagreements are visible in telemetry.
func Build(p Params) Classification {
	inf := infer(p)

	c := Classification{
		EffectiveTier: inf.Tier,
		Inferred:      inf,
		Source:        "inferred",
	}
	if ValidTier(p.ExplicitTier) {
		c.ExplicitTier = Tier(p.ExplicitTier)
		c.EffectiveTier = c.ExplicitTier
		c.Source = "explicit"
		if c.ExplicitTier != inf.Tier {
			metrics.ClassifierDisagreements.Inc()
		}
	}
	return c
}

func infer(p Params) Inferred {
	desc := strings.ToLower(p.Description)
	s := Signals{
		WordCount:         len(strings.Fields(desc)),
		FileCount:         len(p.FileHints),
		VerificationCount: len(p.VerificationSteps),
		ComplexKeyword:    anyKeyword(desc, complexKeywords),
		TrivialKeyword:    anyKeyword(desc, trivialKeywords),
	}

	// Rule 1: nothing to go on.
	if s.WordCount == 0 && s.FileCount == 0 && s.VerificationCount == 0 {
		return Inferred{Tier: TierUnknown, Confidence: 0, Signals: s}
	}

	// Rule 2: complex keyword dominates; supporting signals raise
	// confidence.
	if s.ComplexKeyword {
		support := 0
		if s.WordCount > 50 {
			support++
		}
		if s.FileCount >= 4 {
			support++
		}
		if s.VerificationCount >= 4 {
			support++
		}
		conf := clamp(0.7 + 0.1*float64(support))
		return Inferred{Tier: TierComplex, Confidence: conf, Signals: s}
	}

	// Rule 3: trivial keyword with a genuinely small footprint.
	if s.TrivialKeyword && s.FileCount <= 3 && s.VerificationCount <= 3 {
		conf := 0.75
		if s.WordCount < 10 {
			conf = 0.9
		}
		return Inferred{Tier: TierTrivial, Confidence: conf, Signals: s}
	}

	// Rule 4: majority vote of three sub-scores.
	votes := []Tier{
		scoreWordCount(s.WordCount),
		scoreCount(s.FileCount),
		scoreCount(s.VerificationCount),
	}
	tally := map[Tier]int{}
	for _, v := range votes {
		tally[v]++
	}
	winner := majority(tally)

	// Heuristics alone never produce trivial.
	if winner == TierTrivial && !s.TrivialKeyword {
		winner = TierStandard
	}
	conf := clamp(float64(tally[winner]) / float64(len(votes)))
	return Inferred{Tier: winner, Confidence: conf, Signals: s}
}

func scoreWordCount(n int) Tier {
	switch {
	case n < 10:
		return TierTrivial
	case n <= 50:
		return TierStandard
	default:
		return TierComplex
	}
}

func scoreCount(n int) Tier {
	switch {
	case n == 0:
		return TierTrivial
	case n <= 3:
		return TierStandard
	default:
		return TierComplex
	}
}

// majority picks the tier with the most votes; ties break toward
// standard, then complex, then trivial.
func majority(tally map[Tier]int) Tier {
	best := TierStandard
	for _, t := range []Tier{TierComplex, TierTrivial} {
		if tally[t] > tally[best] {
			best = t
		}
	}
	return best
}

func anyKeyword(desc string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(desc, k) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
