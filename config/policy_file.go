package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/aryangodara/abuse_guard"
	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Groups map[string]groupEntry `yaml:"groups"`
}

type groupEntry struct {
	Window  time.Duration `yaml:"window"`
	Max     int64         `yaml:"max"`
	Message string        `yaml:"message"`
	Alert   *alertEntry   `yaml:"alert"`
}

type alertEntry struct {
	Threshold int64         `yaml:"threshold"`
	Severity  string        `yaml:"severity"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Channels  []string      `yaml:"channels"`
}

// LoadPolicyFile reads a YAML policy file. The groups it lists replace the
// built-in ones; a group without an alert block keeps its built-in alert
// policy, if it has one.
//
//	groups:
//	  admin:
//	    window: 1m
//	    max: 20
//	    message: Too many admin requests, please slow down.
//	    alert:
//	      threshold: 20
//	      severity: high
//	      cooldown: 10m
//	      channels: [email, slack]
func LoadPolicyFile(path string) (PolicySet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("failed to read policy file %v: %w", path, err)
	}

	set, err := ParsePolicies(content)
	if err != nil {
		return PolicySet{}, fmt.Errorf("failed to parse policy file %v: %w", path, err)
	}
	return set, nil
}

// ParsePolicies parses the YAML policy document.
func ParsePolicies(content []byte) (PolicySet, error) {
	var file policyFile
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return PolicySet{}, err
	}
	if len(file.Groups) == 0 {
		return PolicySet{}, fmt.Errorf("no groups defined")
	}

	defaults := abuse_guard.DefaultAlertPolicies()
	set := PolicySet{
		Limits: make(map[abuse_guard.Group]abuse_guard.Policy, len(file.Groups)),
		Alerts: make(abuse_guard.AlertPolicies, len(file.Groups)),
	}

	for name, entry := range file.Groups {
		group := abuse_guard.Group(name)
		if entry.Window <= 0 || entry.Max <= 0 {
			return PolicySet{}, fmt.Errorf("group %v: window and max must be positive", name)
		}
		set.Limits[group] = abuse_guard.Policy{
			Window:  entry.Window,
			Max:     entry.Max,
			Message: entry.Message,
		}

		if entry.Alert == nil {
			if p, ok := defaults[group]; ok {
				set.Alerts[group] = p
			}
			continue
		}

		severity, err := parseSeverity(entry.Alert.Severity)
		if err != nil {
			return PolicySet{}, fmt.Errorf("group %v: %w", name, err)
		}
		set.Alerts[group] = abuse_guard.AlertPolicy{
			Threshold: entry.Alert.Threshold,
			Severity:  severity,
			Cooldown:  entry.Alert.Cooldown,
			Channels:  entry.Alert.Channels,
		}
	}

	return set, nil
}

func parseSeverity(s string) (abuse_guard.Severity, error) {
	switch sev := abuse_guard.Severity(s); sev {
	case abuse_guard.SeverityLow, abuse_guard.SeverityMedium, abuse_guard.SeverityHigh, abuse_guard.SeverityCritical:
		return sev, nil
	case "":
		return abuse_guard.SeverityMedium, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}
