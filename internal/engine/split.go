package engine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// bucket maps (enrollment, step) to a stable point in [0,1).
func bucket(enrollmentID, stepID string) float64 {
	sum := blake2b.Sum256([]byte(enrollmentID + ":" + stepID))
	// top 53 bits fill a float64 mantissa exactly
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// ChooseSplitPath deterministically picks a path. Random splits weigh every
// path equally; weighted splits use the configured percentages.
func ChooseSplitPath(cfg *domain.SplitConfig, enrollmentID, stepID string) (*domain.SplitPath, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("split has no paths")
	}
	weights := make([]float64, len(cfg.Paths))
	var total float64
	for i, p := range cfg.Paths {
		w := 1.0
		if cfg.SplitType == domain.SplitWeighted {
			w = p.Percentage
		}
		if w < 0 {
			return nil, fmt.Errorf("split path %q has a negative weight", p.ID)
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("split weights add up to zero")
	}
	target := bucket(enrollmentID, stepID) * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return &cfg.Paths[i], nil
		}
	}
	// rounding can leave target == total
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return &cfg.Paths[i], nil
		}
	}
	return &cfg.Paths[len(cfg.Paths)-1], nil
}
