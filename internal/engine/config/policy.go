package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v2"
)

// Policy carries the tunable decision parameters of the engine. It is loaded
// from a YAML file so that judgment thresholds are deployment configuration,
// never code.
type Policy struct {
	Verification  VerificationPolicy  `yaml:"verification"`
	Clarification ClarificationPolicy `yaml:"clarification"`
	Planner       PlannerPolicy       `yaml:"planner"`
}

type VerificationPolicy struct {
	// Threshold is the minimum weighted confidence for approval.
	Threshold float64 `yaml:"threshold"`
	// ScoreFloor is the per-dimension minimum; any sub-score below it rejects.
	ScoreFloor float64 `yaml:"score_floor"`
	// AuthenticityKill rejects outright when authenticity falls below it,
	// independent of the floor check.
	AuthenticityKill float64             `yaml:"authenticity_kill"`
	Weights          VerificationWeights `yaml:"weights"`
}

type VerificationWeights struct {
	Authenticity float64 `yaml:"authenticity"`
	Relevance    float64 `yaml:"relevance"`
	Completeness float64 `yaml:"completeness"`
	Quality      float64 `yaml:"quality"`
	Consistency  float64 `yaml:"consistency"`
}

type ClarificationPolicy struct {
	MaxRounds    int `yaml:"max_rounds"`
	MaxQuestions int `yaml:"max_questions"`
}

type PlannerPolicy struct {
	// BudgetMargin is the fraction of the budget reserved for the agent;
	// human task rewards must sum to strictly less than budget*(1-margin).
	BudgetMargin      float64 `yaml:"budget_margin"`
	DefaultMaxRetries int     `yaml:"default_max_retries"`
}

// DefaultPolicy returns the policy used when no file is present.
func DefaultPolicy() Policy {
	return Policy{
		Verification: VerificationPolicy{
			Threshold:        0.78,
			ScoreFloor:       0.60,
			AuthenticityKill: 0.50,
			Weights: VerificationWeights{
				Authenticity: 0.30,
				Relevance:    0.25,
				Completeness: 0.25,
				Quality:      0.10,
				Consistency:  0.10,
			},
		},
		Clarification: ClarificationPolicy{
			MaxRounds:    3,
			MaxQuestions: 3,
		},
		Planner: PlannerPolicy{
			BudgetMargin:      0.05,
			DefaultMaxRetries: 2,
		},
	}
}

// LoadPolicy reads a policy file, falling back to defaults when the file does
// not exist. A present-but-malformed file is a startup error.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return policy, nil
}

func (p Policy) Validate() error {
	v := p.Verification
	if v.Threshold <= 0 || v.Threshold > 1 {
		return fmt.Errorf("verification threshold must be in (0,1], got %v", v.Threshold)
	}
	if v.ScoreFloor < 0 || v.ScoreFloor > 1 {
		return fmt.Errorf("verification score floor must be in [0,1], got %v", v.ScoreFloor)
	}
	if v.AuthenticityKill < 0 || v.AuthenticityKill > 1 {
		return fmt.Errorf("authenticity kill-switch must be in [0,1], got %v", v.AuthenticityKill)
	}
	w := v.Weights
	sum := w.Authenticity + w.Relevance + w.Completeness + w.Quality + w.Consistency
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("verification weights must sum to 1.0, got %v", sum)
	}
	if p.Clarification.MaxRounds <= 0 {
		return fmt.Errorf("clarification max_rounds must be positive")
	}
	if p.Clarification.MaxQuestions <= 0 || p.Clarification.MaxQuestions > 3 {
		return fmt.Errorf("clarification max_questions must be in [1,3]")
	}
	if p.Planner.BudgetMargin <= 0 || p.Planner.BudgetMargin >= 1 {
		return fmt.Errorf("planner budget_margin must be in (0,1)")
	}
	if p.Planner.DefaultMaxRetries < 0 {
		return fmt.Errorf("planner default_max_retries must be >= 0")
	}
	return nil
}
