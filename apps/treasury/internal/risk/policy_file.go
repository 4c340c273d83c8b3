package risk

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Thresholds struct {
		Low    *float64 `yaml:"low"`
		Medium *float64 `yaml:"medium"`
		High   *float64 `yaml:"high"`
	} `yaml:"thresholds"`
	AutoApproveCeiling string   `yaml:"auto_approve_ceiling"`
	Weights            *Weights `yaml:"weights"`
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep
// their DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read risk policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse risk policy: %w", err)
	}

	policy := DefaultPolicy()
	if file.Thresholds.Low != nil {
		policy.Thresholds.Low = *file.Thresholds.Low
	}
	if file.Thresholds.Medium != nil {
		policy.Thresholds.Medium = *file.Thresholds.Medium
	}
	if file.Thresholds.High != nil {
		policy.Thresholds.High = *file.Thresholds.High
	}
	if file.AutoApproveCeiling != "" {
		ceiling, err := decimal.NewFromString(file.AutoApproveCeiling)
		if err != nil {
			return Policy{}, fmt.Errorf("parse auto_approve_ceiling: %w", err)
		}
		policy.AutoApproveCeiling = ceiling
	}
	if file.Weights != nil {
		policy.Weights = *file.Weights
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
