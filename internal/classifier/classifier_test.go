package classifier

import "testing"

func TestAllSignalsZeroIsUnknown(t *testing.T) {
	r := Build(Params{})
	if r.Inferred.Tier != TierUnknown {
		t.Errorf("Tier = %q, want unknown", r.Inferred.Tier)
	}
	if r.Inferred.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", r.Inferred.Confidence)
	}
}

func TestComplexKeywordWins(t *testing.T) {
	r := Build(Params{Description: "refactor the auth module end to end"})
	if r.Inferred.Tier != TierComplex {
		t.Fatalf("Tier = %q, want complex", r.Inferred.Tier)
	}
	if r.Inferred.Confidence < 0.7 {
		t.Errorf("Confidence = %v, want >= 0.7", r.Inferred.Confidence)
	}
}

func TestComplexKeywordConfidenceScalesWithSupportingSignals(t *testing.T) {
	longDescription := ""
	for i := 0; i < 60; i++ {
		longDescription += "word "
	}
	longDescription += "migrate the database"

	r := Build(Params{
		Description:       longDescription,
		FileHints:         []string{"a.go", "b.go", "c.go", "d.go"},
		VerificationSteps: []string{"s1", "s2", "s3", "s4"},
	})
	if r.Inferred.Tier != TierComplex {
		t.Fatalf("Tier = %q, want complex", r.Inferred.Tier)
	}
	if r.Inferred.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0 (0.7 + 3*0.1)", r.Inferred.Confidence)
	}
}

func TestTrivialKeywordWithSmallShape(t *testing.T) {
	r := Build(Params{Description: "fix typo in comment"})
	if r.Inferred.Tier != TierTrivial {
		t.Fatalf("Tier = %q, want trivial", r.Inferred.Tier)
	}
	if r.Inferred.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9 for short description", r.Inferred.Confidence)
	}
}

func TestTrivialKeywordLongDescriptionLowersConfidence(t *testing.T) {
	longDescription := "fix typo "
	for i := 0; i < 15; i++ {
		longDescription += "word "
	}
	r := Build(Params{Description: longDescription})
	if r.Inferred.Tier != TierTrivial {
		t.Fatalf("Tier = %q, want trivial", r.Inferred.Tier)
	}
	if r.Inferred.Confidence != 0.75 {
		t.Errorf("Confidence = %v, want 0.75", r.Inferred.Confidence)
	}
}

func TestTrivialKeywordButTooManyFilesFallsToVote(t *testing.T) {
	r := Build(Params{
		Description: "rename the exported package identifiers across every module in the repository tree",
		FileHints:   []string{"a", "b", "c", "d", "e"},
	})
	if r.Inferred.Tier != TierStandard {
		t.Errorf("Tier = %q, want standard from the vote since file_count exceeds 3", r.Inferred.Tier)
	}
}

func TestMajorityVoteStandard(t *testing.T) {
	description := ""
	for i := 0; i < 20; i++ {
		description += "word "
	}
	r := Build(Params{
		Description: description,
		FileHints:   []string{"a.go", "b.go"},
	})
	if r.Inferred.Tier != TierStandard {
		t.Errorf("Tier = %q, want standard", r.Inferred.Tier)
	}
}

func TestMajorityTrivialWithoutKeywordUpgradesToStandard(t *testing.T) {
	r := Build(Params{Description: "a b c"})
	if r.Inferred.Tier != TierStandard {
		t.Errorf("Tier = %q, want standard (upgraded from trivial vote)", r.Inferred.Tier)
	}
}

func TestExplicitTierWinsAndFlagsDisagreement(t *testing.T) {
	r := Build(Params{Description: "refactor the whole system", ExplicitTier: TierTrivial})
	if r.EffectiveTier != TierTrivial {
		t.Errorf("EffectiveTier = %q, want trivial (explicit)", r.EffectiveTier)
	}
	if r.Source != "explicit" {
		t.Errorf("Source = %q, want explicit", r.Source)
	}
	if !r.Disagreement {
		t.Error("Disagreement = false, want true since inferred tier is complex")
	}
}

func TestExplicitTierAgreesNoDisagreement(t *testing.T) {
	r := Build(Params{Description: "refactor the whole system", ExplicitTier: TierComplex})
	if r.Disagreement {
		t.Error("Disagreement = true, want false since explicit matches inferred")
	}
}

func TestInvalidExplicitTierIgnored(t *testing.T) {
	r := Build(Params{Description: "fix typo", ExplicitTier: "bogus"})
	if r.Source != "inferred" {
		t.Errorf("Source = %q, want inferred when explicit tier is invalid", r.Source)
	}
}
