package core

import "slices"

// IsTargeted resolves targeting rules into an allow/deny decision. Exclude
// rules are checked first and win unconditionally; a user matching any of
// them is denied regardless of include matches. With no exclude match, any
// include match allows the user. A user matching neither set is allowed:
// empty include rules mean "everyone not explicitly excluded", which keeps
// exclude-only configurations usable. This default-allow policy is
// deliberate, not an accident of implementation.
func IsTargeted(rules TargetingRules, ctx EvaluationContext, segments segmentLookup) bool {
	if matchRuleSet(rules.Exclude, ctx, segments) {
		return false
	}

	if matchRuleSet(rules.Include, ctx, segments) {
		return true
	}

	return true
}

type segmentLookup interface {
	Segment(id string) (UserSegment, bool)
}

// matchRuleSet reports whether the user matches any criterion of the set.
// The custom map is a single criterion: every listed key must match.
func matchRuleSet(set RuleSet, ctx EvaluationContext, segments segmentLookup) bool {
	if set.Empty() {
		return false
	}

	if slices.Contains(set.Users, ctx.UserID) {
		return true
	}

	for _, id := range set.Segments {
		segment, ok := segments.Segment(id)
		if !ok {
			continue
		}
		if MatchesSegment(ctx.Attributes, segment) {
			return true
		}
	}

	if attributeInList(ctx.Attributes, AttributeCountry, set.Countries) {
		return true
	}

	if attributeInList(ctx.Attributes, AttributeDevice, set.Devices) {
		return true
	}

	if len(set.Custom) > 0 && matchCustom(set.Custom, ctx.Attributes) {
		return true
	}

	return false
}

func attributeInList(attributes map[string]any, name string, list []string) bool {
	if len(list) == 0 {
		return false
	}

	value, ok := asString(attributes[name])
	if !ok {
		return false
	}

	return slices.Contains(list, value)
}

func matchCustom(custom map[string]any, attributes map[string]any) bool {
	for key, want := range custom {
		got, ok := attributes[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}

	return true
}
