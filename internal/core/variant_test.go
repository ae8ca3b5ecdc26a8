package core

import (
	"fmt"
	"testing"
)

func TestSelectVariantThresholds(t *testing.T) {
	variants := []FlagVariant{
		{ID: "a", Value: "alpha", Weight: 30},
		{ID: "b", Value: "beta", Weight: 70},
	}

	ctx := EvaluationContext{UserID: "user-1"}
	variant, ok := SelectVariant(variants, ctx, "variant_flag", mapStore{})
	if !ok {
		t.Fatal("expected a variant")
	}

	b := Bucket("user-1", "variant_flag")
	wantID := "b"
	if b < 3000 {
		wantID = "a"
	}
	if variant.ID != wantID {
		t.Fatalf("bucket %d selected %q, want %q", b, variant.ID, wantID)
	}
}

func TestSelectVariantDistribution(t *testing.T) {
	variants := []FlagVariant{
		{ID: "a", Value: 1, Weight: 30},
		{ID: "b", Value: 2, Weight: 70},
	}

	counts := map[string]int{}
	const users = 50000
	for i := 0; i < users; i++ {
		ctx := EvaluationContext{UserID: fmt.Sprintf("user-%d", i)}
		variant, ok := SelectVariant(variants, ctx, "split_flag", mapStore{})
		if !ok {
			t.Fatal("expected a variant")
		}
		counts[variant.ID]++
	}

	rateA := float64(counts["a"]) / users
	if rateA < 0.28 || rateA > 0.32 {
		t.Fatalf("variant a rate = %.3f, want ~0.30", rateA)
	}
}

func TestSelectVariantRoundingFallback(t *testing.T) {
	// Weights that do not reach 100 leave buckets past the cumulative
	// threshold; those land on the last variant by definition.
	variants := []FlagVariant{
		{ID: "a", Value: 1, Weight: 0.001},
		{ID: "b", Value: 2, Weight: 0.001},
	}

	for i := 0; i < 100; i++ {
		ctx := EvaluationContext{UserID: fmt.Sprintf("user-%d", i)}
		if _, ok := SelectVariant(variants, ctx, "tiny_weights", mapStore{}); !ok {
			t.Fatal("expected fallback to last variant, not a miss")
		}
	}
}

func TestSelectVariantEmpty(t *testing.T) {
	if _, ok := SelectVariant(nil, EvaluationContext{UserID: "u"}, "k", mapStore{}); ok {
		t.Fatal("expected no variant for empty list")
	}
}

func TestSelectVariantNestedTargeting(t *testing.T) {
	variants := []FlagVariant{
		{
			ID:     "restricted",
			Value:  true,
			Weight: 100,
			Targeting: &TargetingRules{
				Exclude: RuleSet{Users: []string{"blocked"}},
			},
		},
	}

	if _, ok := SelectVariant(variants, EvaluationContext{UserID: "blocked"}, "k", mapStore{}); ok {
		t.Fatal("variant targeting should reject the excluded user")
	}

	if _, ok := SelectVariant(variants, EvaluationContext{UserID: "allowed"}, "k", mapStore{}); !ok {
		t.Fatal("variant targeting should admit other users")
	}
}
