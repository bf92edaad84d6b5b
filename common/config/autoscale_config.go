package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/scootmachine/placer/autoscale"
)

// defaultCoolDownSecs matches the original's own default so a rule that
// omits CoolDownSecs from its YAML still behaves sanely.
const defaultCoolDownSecs = 300

// RuleConfig is one AutoScaleRule as it appears in a rule-set YAML file.
type RuleConfig struct {
	RuleName           string `yaml:"ruleName"`
	MinIdleHostsToKeep int    `yaml:"minIdleHostsToKeep"`
	MaxIdleHostsToKeep int    `yaml:"maxIdleHostsToKeep"`
	CoolDownSecs       int    `yaml:"coolDownSecs"`
}

// AutoscalerConfig is the full YAML document loaded by LoadAutoscalerConfig:
// the per-instance attribute keys plus every rule in the set.
type AutoscalerConfig struct {
	PartitionAttributeName           string       `yaml:"partitionAttributeName"`
	MapHostnameAttributeName         string       `yaml:"mapHostnameAttributeName"`
	ScaleDownBalancedByAttributeName string       `yaml:"scaleDownBalancedByAttributeName"`
	DisableShortfallEvaluation       bool         `yaml:"disableShortfallEvaluation"`
	Rules                            []RuleConfig `yaml:"rules"`
}

// LoadAutoscalerConfig reads and parses path into an AutoscalerConfig,
// applying defaultCoolDownSecs to any rule that leaves CoolDownSecs unset.
func LoadAutoscalerConfig(path string) (*AutoscalerConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading autoscaler config %s", path)
	}
	var cfg AutoscalerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing autoscaler config %s", path)
	}
	for i, r := range cfg.Rules {
		if r.CoolDownSecs == 0 {
			cfg.Rules[i].CoolDownSecs = defaultCoolDownSecs
		}
	}
	return &cfg, nil
}

// ToRules converts every RuleConfig into an autoscale.AutoScaleRule. Callers
// that need a non-nil IdleMachineTooSmall predicate must set it on the
// returned rules themselves; YAML has no way to express an arbitrary
// predicate function.
func (c *AutoscalerConfig) ToRules() []autoscale.AutoScaleRule {
	rules := make([]autoscale.AutoScaleRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, autoscale.AutoScaleRule{
			RuleName:           r.RuleName,
			MinIdleHostsToKeep: r.MinIdleHostsToKeep,
			MaxIdleHostsToKeep: r.MaxIdleHostsToKeep,
			CoolDown:           time.Duration(r.CoolDownSecs) * time.Second,
		})
	}
	return rules
}
