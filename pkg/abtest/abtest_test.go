package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare_RecommendsPromoteOnSignificantImprovement(t *testing.T) {
	tester := New()
	control := Arm{Successes: 500, Total: 1000}
	challenger := Arm{Successes: 600, Total: 1000}

	result := tester.Compare(control, challenger)

	assert.Greater(t, result.Delta, 0.0)
	assert.True(t, result.Significant)
	assert.True(t, result.RecommendPromote)
}

func TestCompare_NotSignificantOnSmallSample(t *testing.T) {
	tester := New()
	control := Arm{Successes: 5, Total: 10}
	challenger := Arm{Successes: 6, Total: 10}

	result := tester.Compare(control, challenger)

	assert.False(t, result.Significant)
	assert.False(t, result.RecommendPromote)
}

func TestCompare_DoesNotPromoteWhenChallengerWorse(t *testing.T) {
	tester := New()
	control := Arm{Successes: 600, Total: 1000}
	challenger := Arm{Successes: 500, Total: 1000}

	result := tester.Compare(control, challenger)

	assert.Less(t, result.Delta, 0.0)
	assert.False(t, result.RecommendPromote)
}

func TestCompare_ZeroTotalsDoNotPanic(t *testing.T) {
	tester := New()
	result := tester.Compare(Arm{}, Arm{})
	assert.Equal(t, 0.0, result.ZScore)
	assert.False(t, result.Significant)
}
