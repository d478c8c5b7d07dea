// Package policy turns a requested operation into an access decision.
// Evaluation is a pure function of the request and a Ruleset compiled once
// per configuration snapshot: the blocklist is checked first and cannot be
// overridden, then rules are scanned in configured order with
// first-match-wins semantics, then the default decision applies.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/toolgate/internal/config"
)

// Decision is the outcome of evaluating a requested operation.
type Decision string

const (
	Allowed          Decision = "allowed"
	RequiresApproval Decision = "require_approval"
	Denied           Decision = "denied"
)

// Operation types evaluated by the engine.
const (
	OpToolCall     = "tool_call"
	OpResourceRead = "resource_read"
)

// Request identifies one requested operation.
type Request struct {
	Operation   string
	Provider    string
	Tool        string
	ResourceURI string
}

// Verdict is the result of an evaluation: the decision plus the rule (or
// blocklist entry) that produced it.
type Verdict struct {
	Decision Decision
	Rule     string // matched rule name, "blocklist" or "default"
	Reason   string
}

type compiledRule struct {
	name     string
	op       string
	provider *regexp.Regexp // nil matches any
	tool     *regexp.Regexp
	resource *regexp.Regexp
	outcome  Decision
}

// Ruleset is an immutable, precompiled policy. Safe for concurrent use.
type Ruleset struct {
	rules            []compiledRule
	blockedProviders map[string]bool
	blockedTools     map[string]bool
	resourcePrefixes []string
	defaultDecision  Decision
}

// Compile builds a Ruleset from a validated configuration. Pattern errors are
// still reported here so callers can compile unvalidated configs safely.
func Compile(cfg *config.Config) (*Ruleset, error) {
	rs := &Ruleset{
		blockedProviders: make(map[string]bool, len(cfg.Blocklist.Providers)),
		blockedTools:     make(map[string]bool, len(cfg.Blocklist.Tools)),
		resourcePrefixes: append([]string(nil), cfg.Blocklist.ResourcePrefixes...),
		defaultDecision:  Decision(cfg.DefaultDecision),
	}
	if rs.defaultDecision == "" {
		rs.defaultDecision = RequiresApproval
	}
	for _, p := range cfg.Blocklist.Providers {
		rs.blockedProviders[p] = true
	}
	for _, t := range cfg.Blocklist.Tools {
		rs.blockedTools[t] = true
	}

	rs.rules = make([]compiledRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		cr := compiledRule{name: r.Name, op: r.Operation, outcome: Decision(r.Outcome)}
		var err error
		if cr.provider, err = compilePattern(r.Provider); err != nil {
			return nil, fmt.Errorf("rule %q: provider pattern: %w", r.Name, err)
		}
		if cr.tool, err = compilePattern(r.Tool); err != nil {
			return nil, fmt.Errorf("rule %q: tool pattern: %w", r.Name, err)
		}
		if cr.resource, err = compilePattern(r.Resource); err != nil {
			return nil, fmt.Errorf("rule %q: resource pattern: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// compilePattern anchors at the start only: a rule pattern matches any value
// it is a prefix of. Configs rely on this, e.g. "delete" covering
// delete_file and delete_repo.
func compilePattern(pat string) (*regexp.Regexp, error) {
	if pat == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pat + ")")
}

// Evaluate returns the decision for a request. It has no side effects.
func (rs *Ruleset) Evaluate(req Request) Verdict {
	// Blocklist is terminal: no rule can override it.
	if rs.blockedProviders[req.Provider] {
		return Verdict{Decision: Denied, Rule: "blocklist", Reason: fmt.Sprintf("provider %q is blocked", req.Provider)}
	}
	if req.Tool != "" && rs.blockedTools[req.Tool] {
		return Verdict{Decision: Denied, Rule: "blocklist", Reason: fmt.Sprintf("tool %q is blocked", req.Tool)}
	}
	if req.ResourceURI != "" {
		for _, prefix := range rs.resourcePrefixes {
			if strings.HasPrefix(req.ResourceURI, prefix) {
				return Verdict{Decision: Denied, Rule: "blocklist", Reason: fmt.Sprintf("resource prefix %q is blocked", prefix)}
			}
		}
	}

	// First matching rule wins.
	for i := range rs.rules {
		r := &rs.rules[i]
		if r.op != "" && r.op != req.Operation {
			continue
		}
		if r.provider != nil && !r.provider.MatchString(req.Provider) {
			continue
		}
		if r.tool != nil && req.Tool != "" && !r.tool.MatchString(req.Tool) {
			continue
		}
		if r.resource != nil && req.ResourceURI != "" && !r.resource.MatchString(req.ResourceURI) {
			continue
		}
		return Verdict{Decision: r.outcome, Rule: r.name, Reason: fmt.Sprintf("matched rule %q", r.name)}
	}

	return Verdict{Decision: rs.defaultDecision, Rule: "default", Reason: "no rule matched"}
}
