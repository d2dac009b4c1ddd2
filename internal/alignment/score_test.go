package alignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeFactors_OnTrack(t *testing.T) {
	f := ComputeFactors(Inputs{
		ElapsedDays:   5,
		EstimatedDays: 10,
		ProgressPct:   50,
		PlannedEpics:  4,
		ActualEpics:   4,
		CriteriaMet:   2,
		CriteriaTotal: 4,
	})

	assert.InDelta(t, 1.0, f.Timeline, 1e-9)
	assert.InDelta(t, 1.0, f.Scope, 1e-9)
	assert.InDelta(t, 1.0, f.Quality, 1e-9)
	assert.InDelta(t, 1.0, WeightedScore(f), 1e-9)
}

func TestTimelineFactor_PenalizesSlip(t *testing.T) {
	// Half the schedule burned at a fifth of the work done.
	f := timelineFactor(Inputs{ElapsedDays: 5, EstimatedDays: 10, ProgressPct: 20})
	assert.InDelta(t, 0.7, f, 1e-9)
}

func TestTimelineFactor_AheadOfScheduleIsNeutral(t *testing.T) {
	f := timelineFactor(Inputs{ElapsedDays: 2, EstimatedDays: 10, ProgressPct: 80})
	assert.InDelta(t, 1.0, f, 1e-9)
}

func TestTimelineFactor_NoEstimateIsNeutral(t *testing.T) {
	f := timelineFactor(Inputs{ElapsedDays: 30, EstimatedDays: 0, ProgressPct: 0})
	assert.InDelta(t, 1.0, f, 1e-9)
}

func TestTimelineFactor_ClampsAtZero(t *testing.T) {
	f := timelineFactor(Inputs{ElapsedDays: 30, EstimatedDays: 10, ProgressPct: 0})
	assert.InDelta(t, 0.0, f, 1e-9)
}

func TestScopeFactor_Deviation(t *testing.T) {
	tests := []struct {
		name    string
		planned int
		actual  int
		want    float64
	}{
		{"exact match", 4, 4, 1.0},
		{"one over", 4, 5, 0.75},
		{"one under", 4, 3, 0.75},
		{"double", 4, 8, 0.0},
		{"half", 4, 2, 0.5},
		{"unplanned and empty", 0, 0, 1.0},
		{"unplanned growth", 0, 3, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := scopeFactor(Inputs{PlannedEpics: tt.planned, ActualEpics: tt.actual})
			assert.InDelta(t, tt.want, f, 1e-9)
		})
	}
}

func TestQualityFactor_NeutralBeforeWorkLands(t *testing.T) {
	f := qualityFactor(Inputs{ProgressPct: 0, CriteriaMet: 0, CriteriaTotal: 4})
	assert.InDelta(t, 1.0, f, 1e-9)
}

func TestQualityFactor_NeutralWithoutCriteria(t *testing.T) {
	f := qualityFactor(Inputs{ProgressPct: 60, CriteriaMet: 0, CriteriaTotal: 0})
	assert.InDelta(t, 1.0, f, 1e-9)
}

func TestQualityFactor_LaggingCriteria(t *testing.T) {
	// 1 of 4 criteria met at 80% progress: (0.25)/(0.8) = 0.3125.
	f := qualityFactor(Inputs{ProgressPct: 80, CriteriaMet: 1, CriteriaTotal: 4})
	assert.InDelta(t, 0.3125, f, 1e-9)
}

func TestQualityFactor_CriteriaAheadOfProgressClamps(t *testing.T) {
	f := qualityFactor(Inputs{ProgressPct: 20, CriteriaMet: 3, CriteriaTotal: 4})
	assert.InDelta(t, 1.0, f, 1e-9)
}

func TestWeightedScore_Weights(t *testing.T) {
	assert.InDelta(t, 1.0, WeightedScore(Factors{Timeline: 1, Scope: 1, Quality: 1}), 1e-9)
	assert.InDelta(t, 0.8, WeightedScore(Factors{Timeline: 0.5, Scope: 1, Quality: 1}), 1e-9)
	assert.InDelta(t, 0.85, WeightedScore(Factors{Timeline: 1, Scope: 0.5, Quality: 1}), 1e-9)
	assert.InDelta(t, 0.0, WeightedScore(Factors{}), 1e-9)
}
