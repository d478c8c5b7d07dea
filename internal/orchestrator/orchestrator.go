// Package orchestrator is the single entry point for tool calls and resource
// reads. Every request flows through the same pipeline: resolve the target,
// evaluate policy against the current config snapshot, admit through the rate
// limiter, dispatch to the provider, and append exactly one audit entry
// whatever the outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/approval"
	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/catalog"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/policy"
	"github.com/triage-ai/toolgate/internal/ratelimit"
	"github.com/triage-ai/toolgate/internal/supervisor"
)

// Outcome classifies how a request ended. The first three mirror policy
// decisions; the rest are pipeline outcomes that policy never produces.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeRequiresApproval Outcome = "require_approval"
	OutcomeDenied           Outcome = "denied"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeTimedOut         Outcome = "timed_out"
	OutcomeError            Outcome = "error"
)

var (
	// ErrToolNotFound is returned when no running provider advertises the
	// requested tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrResourceNotFound is returned when no running provider advertises
	// the requested resource URI.
	ErrResourceNotFound = errors.New("resource not found")
)

// Result is the answer to a tool call or resource read.
type Result struct {
	RequestID  string          `json:"request_id"`
	Outcome    Outcome         `json:"outcome"`
	Rule       string          `json:"rule,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"` // provider-reported tool failure
}

// snapshot pairs a validated config with its compiled ruleset. Swapped as a
// unit on reload; in-flight requests finish against the snapshot they loaded.
type snapshot struct {
	cfg   *config.Config
	rules *policy.Ruleset
}

// Orchestrator wires the pipeline together.
type Orchestrator struct {
	snap      atomic.Pointer[snapshot]
	cat       *catalog.Catalog
	sup       *supervisor.Supervisor
	limiter   *ratelimit.Limiter
	auditLog  *audit.Log
	approvals *approval.Queue
	logger    *zap.Logger
}

// New compiles the initial config and assembles the pipeline.
func New(cfg *config.Config, cat *catalog.Catalog, sup *supervisor.Supervisor, auditLog *audit.Log, logger *zap.Logger) (*Orchestrator, error) {
	rules, err := policy.Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	o := &Orchestrator{
		cat:       cat,
		sup:       sup,
		limiter:   ratelimit.New(),
		auditLog:  auditLog,
		approvals: approval.NewQueue(0),
		logger:    logger,
	}
	o.snap.Store(&snapshot{cfg: cfg, rules: rules})
	return o, nil
}

// Config returns the current config snapshot.
func (o *Orchestrator) Config() *config.Config { return o.snap.Load().cfg }

// Reload validates and swaps in a new config. On any error the running
// snapshot is left untouched. On success the supervisor reconciles its
// provider set against the new definitions.
func (o *Orchestrator) Reload(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	rules, err := policy.Compile(cfg)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	o.snap.Store(&snapshot{cfg: cfg, rules: rules})
	o.sup.ApplySnapshot(ctx, cfg)
	o.logger.Info("configuration reloaded",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("rules", len(cfg.Rules)),
	)
	return nil
}

// CallTool runs the full pipeline for one tool call. The tool name may be
// bare or provider-qualified.
func (o *Orchestrator) CallTool(ctx context.Context, toolName string, args map[string]any) (*Result, error) {
	snap := o.snap.Load()
	start := time.Now()
	e := &audit.Entry{
		RequestID: uuid.NewString(),
		Operation: policy.OpToolCall,
		Arguments: summarize(args),
	}

	desc, ok := o.cat.Resolve(toolName)
	if !ok {
		e.Tool = toolName
		e.Decision = string(OutcomeError)
		e.Error = fmt.Sprintf("tool not found: %s", toolName)
		o.append(e, start)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	e.Provider = desc.Provider
	e.Tool = desc.Name

	if spec, ok := snap.cfg.Provider(desc.Provider); ok && !spec.Execute() {
		return o.finish(e, start, &Result{
			RequestID: e.RequestID,
			Outcome:   OutcomeDenied,
			Rule:      "permissions",
			Reason:    fmt.Sprintf("provider %q may not execute tools", desc.Provider),
		})
	}

	verdict := snap.rules.Evaluate(policy.Request{
		Operation: policy.OpToolCall,
		Provider:  desc.Provider,
		Tool:      desc.Name,
	})
	e.Rule = verdict.Rule

	switch verdict.Decision {
	case policy.Denied:
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeDenied,
			Rule: verdict.Rule, Reason: verdict.Reason,
		})
	case policy.RequiresApproval:
		req := o.approvals.Create(policy.OpToolCall, desc.Provider, desc.Name, "", verdict.Rule, args)
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeRequiresApproval,
			Rule: verdict.Rule, Reason: verdict.Reason, ApprovalID: req.ID,
		})
	}

	if !o.admit(snap.cfg, desc.Provider, desc.Name) {
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeRateLimited,
			Reason: fmt.Sprintf("rate limit exceeded for %s/%s", desc.Provider, desc.Name),
		})
	}

	if err := validateArgs(desc.InputSchema, args); err != nil {
		e.Error = err.Error()
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeError,
			Reason: err.Error(),
		})
	}

	return o.dispatchTool(ctx, e, start, desc, args, verdict.Rule)
}

// dispatchTool performs the provider call and classifies the outcome.
func (o *Orchestrator) dispatchTool(ctx context.Context, e *audit.Entry, start time.Time, desc catalog.ToolDescriptor, args map[string]any, rule string) (*Result, error) {
	res, err := o.sup.CallTool(ctx, desc.Provider, desc.Name, args)
	if err != nil {
		e.Error = err.Error()
		outcome := OutcomeError
		if errors.Is(err, supervisor.ErrTimeout) {
			outcome = OutcomeTimedOut
		}
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: outcome,
			Rule: rule, Reason: err.Error(),
		})
	}
	return o.finish(e, start, &Result{
		RequestID: e.RequestID, Outcome: OutcomeAllowed,
		Rule: rule, Content: res.Content, IsError: res.IsError,
	})
}

// GetResource runs the pipeline for one resource read.
func (o *Orchestrator) GetResource(ctx context.Context, uri string) (*Result, error) {
	snap := o.snap.Load()
	start := time.Now()
	e := &audit.Entry{
		RequestID:   uuid.NewString(),
		Operation:   policy.OpResourceRead,
		ResourceURI: uri,
	}

	desc, ok := o.cat.ResolveResource(uri)
	if !ok {
		e.Decision = string(OutcomeError)
		e.Error = fmt.Sprintf("resource not found: %s", uri)
		o.append(e, start)
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	e.Provider = desc.Provider

	if spec, ok := snap.cfg.Provider(desc.Provider); ok && !spec.Read() {
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeDenied,
			Rule:   "permissions",
			Reason: fmt.Sprintf("provider %q may not serve resources", desc.Provider),
		})
	}

	verdict := snap.rules.Evaluate(policy.Request{
		Operation:   policy.OpResourceRead,
		Provider:    desc.Provider,
		ResourceURI: uri,
	})
	e.Rule = verdict.Rule

	switch verdict.Decision {
	case policy.Denied:
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeDenied,
			Rule: verdict.Rule, Reason: verdict.Reason,
		})
	case policy.RequiresApproval:
		req := o.approvals.Create(policy.OpResourceRead, desc.Provider, "", uri, verdict.Rule, nil)
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeRequiresApproval,
			Rule: verdict.Rule, Reason: verdict.Reason, ApprovalID: req.ID,
		})
	}

	if !o.admit(snap.cfg, desc.Provider, "") {
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeRateLimited,
			Reason: fmt.Sprintf("rate limit exceeded for %s", desc.Provider),
		})
	}

	res, err := o.sup.ReadResource(ctx, desc.Provider, uri)
	if err != nil {
		e.Error = err.Error()
		outcome := OutcomeError
		if errors.Is(err, supervisor.ErrTimeout) {
			outcome = OutcomeTimedOut
		}
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: outcome,
			Rule: verdict.Rule, Reason: err.Error(),
		})
	}
	return o.finish(e, start, &Result{
		RequestID: e.RequestID, Outcome: OutcomeAllowed,
		Rule: verdict.Rule, Content: res.Contents,
	})
}

// admit consumes rate limit budget for an allowed request. The global,
// provider and (for tool calls with an override) per-tool windows are checked
// and recorded atomically.
func (o *Orchestrator) admit(cfg *config.Config, provider, tool string) bool {
	checks := []ratelimit.Check{
		{Key: "global", Limits: cfg.RateLimits.Default},
		{Key: "provider:" + provider, Limits: cfg.ProviderLimits(provider)},
	}
	if tool != "" {
		if limits, ok := cfg.ToolLimits(provider, tool); ok {
			checks = append(checks, ratelimit.Check{Key: "tool:" + provider + "/" + tool, Limits: limits})
		}
	}
	return o.limiter.Admit(checks...)
}

// Approvals exposes the pending queue for the admin surface.
func (o *Orchestrator) Approvals() []approval.Request { return o.approvals.Pending() }

// ResumeApproved dispatches a previously held operation. Policy is not
// re-evaluated: the human decision stands even if rules changed since. Rate
// limits still apply, since dispatch is what they govern.
func (o *Orchestrator) ResumeApproved(ctx context.Context, id string) (*Result, error) {
	req, err := o.approvals.Approve(id)
	if err != nil {
		return nil, err
	}
	snap := o.snap.Load()
	start := time.Now()
	e := &audit.Entry{
		RequestID:   uuid.NewString(),
		Operation:   req.Operation,
		Provider:    req.Provider,
		Tool:        req.Tool,
		ResourceURI: req.ResourceURI,
		Arguments:   summarize(req.Arguments),
		Rule:        "approval:" + req.ID,
	}

	tool := req.Tool
	if !o.admit(snap.cfg, req.Provider, tool) {
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeRateLimited,
			Rule:   e.Rule,
			Reason: fmt.Sprintf("rate limit exceeded for %s", req.Provider),
		})
	}

	if req.Operation == policy.OpResourceRead {
		res, err := o.sup.ReadResource(ctx, req.Provider, req.ResourceURI)
		if err != nil {
			e.Error = err.Error()
			outcome := OutcomeError
			if errors.Is(err, supervisor.ErrTimeout) {
				outcome = OutcomeTimedOut
			}
			return o.finish(e, start, &Result{
				RequestID: e.RequestID, Outcome: outcome, Rule: e.Rule, Reason: err.Error(),
			})
		}
		return o.finish(e, start, &Result{
			RequestID: e.RequestID, Outcome: OutcomeAllowed, Rule: e.Rule, Content: res.Contents,
		})
	}

	desc := catalog.ToolDescriptor{Provider: req.Provider, Name: req.Tool}
	return o.dispatchTool(ctx, e, start, desc, req.Arguments, e.Rule)
}

// RejectApproval discards a held operation and records the refusal.
func (o *Orchestrator) RejectApproval(id string) error {
	req, err := o.approvals.Reject(id)
	if err != nil {
		return err
	}
	e := &audit.Entry{
		RequestID:   uuid.NewString(),
		Operation:   req.Operation,
		Provider:    req.Provider,
		Tool:        req.Tool,
		ResourceURI: req.ResourceURI,
		Arguments:   summarize(req.Arguments),
		Decision:    string(OutcomeDenied),
		Rule:        "approval_rejected",
	}
	o.append(e, time.Now())
	return nil
}

// Tools lists the catalog in stable order.
func (o *Orchestrator) Tools() []catalog.ToolDescriptor { return o.cat.Tools() }

// Resources lists the resource catalog in stable order.
func (o *Orchestrator) Resources() []catalog.ResourceDescriptor { return o.cat.Resources() }

// Providers reports supervisor status for every managed provider.
func (o *Orchestrator) Providers() []supervisor.Status { return o.sup.Status() }

// RecentAudit returns up to n recent audit entries, oldest first.
func (o *Orchestrator) RecentAudit(n int) []audit.Entry { return o.auditLog.Recent(n) }

// Shutdown stops all providers and closes the audit log.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.sup.StopAll(ctx)
	return o.auditLog.Close()
}

// finish stamps the entry with the result's outcome and appends it. Exactly
// one entry is written per request, on every path.
func (o *Orchestrator) finish(e *audit.Entry, start time.Time, r *Result) (*Result, error) {
	e.Decision = string(r.Outcome)
	if e.Rule == "" {
		e.Rule = r.Rule
	}
	o.append(e, start)
	return r, nil
}

func (o *Orchestrator) append(e *audit.Entry, start time.Time) {
	e.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err := o.auditLog.Append(e); err != nil {
		o.logger.Error("audit append failed",
			zap.String("request_id", e.RequestID),
			zap.Error(err),
		)
	}
}

func summarize(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("unmarshalable arguments: %v", err)
	}
	return audit.SummarizeArguments(string(data))
}
