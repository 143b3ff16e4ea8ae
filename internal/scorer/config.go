// Package scorer computes deterministic lead scores and applies the
// qualification transition.
package scorer

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadsync/internal/config"
)

// MaxScore is the ceiling every score is clamped to.
const MaxScore = 100

// DefaultScorerConfig returns the scorer defaults.
func DefaultScorerConfig() config.ScorerConfig {
	return config.ScorerConfig{
		QualifyThreshold: 70,
	}
}

// ValidateConfig checks that a ScorerConfig is usable.
func ValidateConfig(c config.ScorerConfig) error {
	if c.QualifyThreshold < 0 || c.QualifyThreshold > MaxScore {
		return eris.Errorf("scorer: qualify_threshold must be within [0, %d], got %d", MaxScore, c.QualifyThreshold)
	}
	return nil
}
