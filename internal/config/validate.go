package config

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalid marks configuration validation failures. A rejected config never
// replaces the active snapshot; callers check with errors.Is.
var ErrInvalid = errors.New("invalid configuration")

var validOutcomes = map[string]bool{
	"allowed":          true,
	"require_approval": true,
	"denied":           true,
}

var validOperations = map[string]bool{
	"":              true, // any
	"tool_call":     true,
	"resource_read": true,
}

// Validate checks the config for structural errors and fills in zero-valued
// dispatch settings with defaults. It mutates only the Dispatch section.
func Validate(c *Config) error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider %d: name is required", ErrInvalid, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider name %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true

		hasCommand := len(p.Command) > 0
		hasAddress := p.Address != ""
		if hasCommand == hasAddress {
			return fmt.Errorf("%w: provider %q: exactly one of command or address must be set", ErrInvalid, p.Name)
		}
	}

	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d: name is required", ErrInvalid, i)
		}
		if !validOperations[r.Operation] {
			return fmt.Errorf("%w: rule %q: unknown operation_type %q", ErrInvalid, r.Name, r.Operation)
		}
		if !validOutcomes[r.Outcome] {
			return fmt.Errorf("%w: rule %q: unknown outcome %q", ErrInvalid, r.Name, r.Outcome)
		}
		for _, pat := range []string{r.Provider, r.Tool, r.Resource} {
			if pat == "" {
				continue
			}
			if _, err := regexp.Compile(pat); err != nil {
				return fmt.Errorf("%w: rule %q: bad pattern %q: %v", ErrInvalid, r.Name, pat, err)
			}
		}
	}

	if c.DefaultDecision == "" {
		c.DefaultDecision = DefaultDecisionRequiresApproval
	}
	if !validOutcomes[c.DefaultDecision] {
		return fmt.Errorf("%w: unknown default_decision %q", ErrInvalid, c.DefaultDecision)
	}

	if err := validateLimits("default", c.RateLimits.Default); err != nil {
		return err
	}
	for k, l := range c.RateLimits.Providers {
		if err := validateLimits("provider "+k, l); err != nil {
			return err
		}
	}
	for k, l := range c.RateLimits.Tools {
		if err := validateLimits("tool "+k, l); err != nil {
			return err
		}
	}

	d := &c.Dispatch
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = DefaultDispatchTimeoutSeconds
	}
	if d.HandshakeTimeoutSeconds == 0 {
		d.HandshakeTimeoutSeconds = DefaultHandshakeTimeoutSeconds
	}
	if d.StopGraceSeconds == 0 {
		d.StopGraceSeconds = DefaultStopGraceSeconds
	}
	if d.MaxRestartAttempts == 0 {
		d.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if d.ConsecutiveTimeoutLimit == 0 {
		d.ConsecutiveTimeoutLimit = DefaultConsecutiveTimeoutLimit
	}
	return nil
}

func validateLimits(scope string, l Limits) error {
	if l.PerMinute < 0 || l.PerHour < 0 {
		return fmt.Errorf("%w: rate limits for %s must not be negative", ErrInvalid, scope)
	}
	return nil
}
