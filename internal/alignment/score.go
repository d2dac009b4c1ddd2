package alignment

import "math"

// Factor weights. Timeline dominates because schedule slip is the
// earliest and least reversible form of drift.
const (
	timelineWeight = 0.4
	scopeWeight    = 0.3
	qualityWeight  = 0.3
)

// Inputs are the raw measurements one scoring pass works from.
type Inputs struct {
	ElapsedDays   float64
	EstimatedDays float64
	ProgressPct   int
	PlannedEpics  int
	ActualEpics   int
	CriteriaMet   int
	CriteriaTotal int
}

// Factors are the three drift factors, each in [0,1].
type Factors struct {
	Timeline float64
	Scope    float64
	Quality  float64
}

// ComputeFactors derives the three drift factors from raw measurements.
func ComputeFactors(in Inputs) Factors {
	return Factors{
		Timeline: timelineFactor(in),
		Scope:    scopeFactor(in),
		Quality:  qualityFactor(in),
	}
}

// WeightedScore folds the factors into the overall alignment score.
func WeightedScore(f Factors) float64 {
	return timelineWeight*f.Timeline + scopeWeight*f.Scope + qualityWeight*f.Quality
}

// timelineFactor penalizes elapsed time outrunning progress. Running
// ahead of schedule never scores above neutral.
func timelineFactor(in Inputs) float64 {
	if in.EstimatedDays <= 0 {
		return 1.0
	}
	elapsedRatio := in.ElapsedDays / in.EstimatedDays
	progressRatio := float64(in.ProgressPct) / 100.0
	behind := elapsedRatio - progressRatio
	if behind < 0 {
		behind = 0
	}
	return clamp01(1 - behind)
}

// scopeFactor penalizes epic-count deviation from the plan in either
// direction. An unplanned scope is neutral only while it stays empty.
func scopeFactor(in Inputs) float64 {
	if in.PlannedEpics <= 0 {
		if in.ActualEpics == 0 {
			return 1.0
		}
		return 0.0
	}
	deviation := math.Abs(float64(in.ActualEpics-in.PlannedEpics)) / float64(in.PlannedEpics)
	return clamp01(1 - deviation)
}

// qualityFactor compares met success criteria against progress. It stays
// neutral until work lands and when no criteria are declared.
func qualityFactor(in Inputs) float64 {
	if in.ProgressPct <= 0 || in.CriteriaTotal <= 0 {
		return 1.0
	}
	metRatio := float64(in.CriteriaMet) / float64(in.CriteriaTotal)
	progressRatio := float64(in.ProgressPct) / 100.0
	return clamp01(metRatio / progressRatio)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
