package core

// SelectVariant picks a weighted variant for the user. The bucket space is
// walked in variant order with cumulative thresholds of weight*100, so a
// 30/70 split maps to [0,3000) and [3000,10000). If rounding leaves the
// cumulative weights short of the full space, the last variant absorbs the
// remainder; that is a defined fallback, not an error.
//
// A selected variant that carries its own targeting rules and rejects the
// user yields ok=false, and the caller falls back to the flag default.
func SelectVariant(variants []FlagVariant, ctx EvaluationContext, flagKey string, segments segmentLookup) (FlagVariant, bool) {
	if len(variants) == 0 {
		return FlagVariant{}, false
	}

	b := Bucket(ctx.UserID, flagKey)

	selected := variants[len(variants)-1]
	cumulative := 0.0
	for _, variant := range variants {
		cumulative += variant.Weight * 100
		if float64(b) < cumulative {
			selected = variant
			break
		}
	}

	if selected.Targeting != nil && !IsTargeted(*selected.Targeting, ctx, segments) {
		return FlagVariant{}, false
	}

	return selected, true
}
