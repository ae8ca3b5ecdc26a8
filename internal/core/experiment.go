package core

import "time"

// AssignExperiment allocates a user to an experiment band. The bucket is
// salted with the experiment ID, so assignment is independent of every
// flag's bucketing and stable for the lifetime of the experiment: repeated
// calls for the same user always land in the same band regardless of
// status.
//
// [0,100) is partitioned into a control band of width Traffic.Control
// followed by contiguous variant bands in variant order. A user falling
// past the allocated bands (when control plus variants sum below 100) is
// out of the experiment entirely.
//
// Enrolled is true only while the experiment is running and inside its
// date window, or when the caller asserts the user was previously exposed;
// a paused or completed experiment stays bucket-stable for historical
// analysis but does not onboard new users.
func AssignExperiment(experiment Experiment, userID string, now time.Time, priorExposure bool) Assignment {
	assignment := Assignment{
		ExperimentID: experiment.ID,
		UserID:       userID,
	}

	p := BucketPercentage(userID, experiment.ID)

	cumulative := experiment.Traffic.Control
	if p < cumulative {
		assignment.Group = ControlGroup
	} else {
		for i, variant := range experiment.Variants {
			cumulative += variantTraffic(experiment.Traffic, experiment.Variants, i)
			if p < cumulative {
				assignment.Group = variant.ID
				assignment.FlagOverrides = variant.FlagValues
				break
			}
		}
	}

	if assignment.Group == "" {
		return assignment
	}

	if now.IsZero() {
		now = time.Now()
	}

	admitting := experiment.Status == ExperimentStatusRunning &&
		withinWindow(now, experiment.StartDate, experiment.EndDate)
	assignment.Enrolled = admitting || priorExposure

	return assignment
}

// variantTraffic returns the band width for variant i, preferring the
// explicit allocation list over the variant's own traffic field.
func variantTraffic(traffic TrafficAllocation, variants []ExperimentVariant, i int) float64 {
	if i < len(traffic.Variants) {
		return traffic.Variants[i]
	}

	return variants[i].Traffic
}

// TotalTraffic returns control plus all variant band widths, the quantity
// the registry validates against 100.
func TotalTraffic(experiment Experiment) float64 {
	total := experiment.Traffic.Control
	for i := range experiment.Variants {
		total += variantTraffic(experiment.Traffic, experiment.Variants, i)
	}

	return total
}
