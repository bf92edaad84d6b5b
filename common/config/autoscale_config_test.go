package config

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleYAML = `
partitionAttributeName: zone
mapHostnameAttributeName: publicHostname
scaleDownBalancedByAttributeName: zone
disableShortfallEvaluation: false
rules:
  - ruleName: zone-a
    minIdleHostsToKeep: 2
    maxIdleHostsToKeep: 5
    coolDownSecs: 60
  - ruleName: zone-b
    minIdleHostsToKeep: 1
    maxIdleHostsToKeep: 3
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	f, err := ioutil.TempFile("", "autoscale-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp config file: %v", err)
	}
	if _, err := f.WriteString(contents); err != nil {
		t.Fatalf("failed to write temp config file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadAutoscalerConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := LoadAutoscalerConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "zone", cfg.PartitionAttributeName)
	assert.Len(t, cfg.Rules, 2)
	assert.Equal(t, 60, cfg.Rules[0].CoolDownSecs)
	assert.Equal(t, defaultCoolDownSecs, cfg.Rules[1].CoolDownSecs)

	rules := cfg.ToRules()
	assert.Len(t, rules, 2)
	assert.Equal(t, "zone-a", rules[0].RuleName)
	assert.Equal(t, 2, rules[0].MinIdleHostsToKeep)
}

func TestLoadAutoscalerConfig_MissingFile(t *testing.T) {
	_, err := LoadAutoscalerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
