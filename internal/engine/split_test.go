package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

func splitCounts(t *testing.T, cfg *domain.SplitConfig, stepID string, n int) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		p, err := ChooseSplitPath(cfg, fmt.Sprintf("enrollment-%d", i), stepID)
		require.NoError(t, err)
		counts[p.ID]++
	}
	return counts
}

func TestChooseSplitPath_Deterministic(t *testing.T) {
	cfg := &domain.SplitConfig{SplitType: domain.SplitRandom, Paths: []domain.SplitPath{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	first, err := ChooseSplitPath(cfg, "enrollment-42", "split-1")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := ChooseSplitPath(cfg, "enrollment-42", "split-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestChooseSplitPath_EvenSplit(t *testing.T) {
	cfg := &domain.SplitConfig{SplitType: domain.SplitWeighted, Paths: []domain.SplitPath{
		{ID: "A", Percentage: 50},
		{ID: "B", Percentage: 50},
	}}
	counts := splitCounts(t, cfg, "split-1", 10000)
	assert.InDelta(t, 5000, counts["A"], 100)
	assert.InDelta(t, 5000, counts["B"], 100)
}

func TestChooseSplitPath_Weighted(t *testing.T) {
	cfg := &domain.SplitConfig{SplitType: domain.SplitWeighted, Paths: []domain.SplitPath{
		{ID: "A", Percentage: 70},
		{ID: "B", Percentage: 30},
	}}
	counts := splitCounts(t, cfg, "split-2", 10000)
	assert.InDelta(t, 7000, counts["A"], 200)
	assert.InDelta(t, 3000, counts["B"], 200)
}

func TestChooseSplitPath_RandomIgnoresPercentages(t *testing.T) {
	cfg := &domain.SplitConfig{SplitType: domain.SplitRandom, Paths: []domain.SplitPath{
		{ID: "A", Percentage: 90},
		{ID: "B", Percentage: 5},
		{ID: "C", Percentage: 5},
	}}
	counts := splitCounts(t, cfg, "split-1", 10000)
	for _, id := range []string{"A", "B", "C"} {
		assert.InDelta(t, 3333, counts[id], 200, id)
	}
}

func TestChooseSplitPath_ZeroWeightNeverChosen(t *testing.T) {
	cfg := &domain.SplitConfig{SplitType: domain.SplitWeighted, Paths: []domain.SplitPath{
		{ID: "A", Percentage: 100},
		{ID: "B", Percentage: 0},
	}}
	counts := splitCounts(t, cfg, "split-1", 1000)
	assert.Equal(t, 1000, counts["A"])
}

func TestChooseSplitPath_Invalid(t *testing.T) {
	_, err := ChooseSplitPath(&domain.SplitConfig{SplitType: domain.SplitRandom}, "e", "s")
	assert.Error(t, err)

	_, err = ChooseSplitPath(&domain.SplitConfig{SplitType: domain.SplitWeighted, Paths: []domain.SplitPath{{ID: "A"}}}, "e", "s")
	assert.Error(t, err)
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := bucket(fmt.Sprintf("enrollment-%d", i), "step")
		assert.GreaterOrEqual(t, b, 0.0)
		assert.Less(t, b, 1.0)
	}
}
