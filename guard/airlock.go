package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Airlock is the entry point the agent runtime calls before executing a tool
// method: classify, check the access policy, and if needed wait for approval.
type Airlock struct {
	classifier   *Classifier
	policy       *PolicyEngine
	queue        *Queue
	redactor     *Redactor
	previewBytes int
	log          *slog.Logger
}

type Options struct {
	Classifier   *Classifier
	Policy       *PolicyEngine
	Queue        *Queue
	Redactor     *Redactor
	PreviewBytes int
	Logger       *slog.Logger
}

func New(opts Options) (*Airlock, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("missing classifier")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("missing policy engine")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("missing approval queue")
	}
	a := &Airlock{
		classifier:   opts.Classifier,
		policy:       opts.Policy,
		queue:        opts.Queue,
		redactor:     opts.Redactor,
		previewBytes: opts.PreviewBytes,
		log:          opts.Logger,
	}
	if a.redactor == nil {
		a.redactor = NewRedactor(RedactionConfig{})
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

func (a *Airlock) Classifier() *Classifier { return a.classifier }
func (a *Airlock) Policy() *PolicyEngine   { return a.policy }
func (a *Airlock) Queue() *Queue           { return a.queue }

type GateRequest struct {
	CommandID  string         `json:"command_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	MethodName string         `json:"method_name"`
	Params     map[string]any `json:"params,omitempty"`
	Headless   bool           `json:"headless,omitempty"`

	// Timeout bounds the wait for a human decision; on expiry the request
	// is expired. Zero waits until resolved or ctx ends.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type GateResult struct {
	CommandID    string         `json:"command_id,omitempty"`
	AirlockLevel AirlockLevel   `json:"airlock_level"`
	Decision     Decision       `json:"decision"`
	Outcome      ApprovalStatus `json:"outcome,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Allowed reports whether the invocation may run. Denied and expired results
// are normal outcomes; the caller aborts the action.
func (r GateResult) Allowed() bool {
	switch r.Decision {
	case DecisionAllow:
		return true
	case DecisionRequireApproval:
		return r.Outcome == ApprovalApproved
	}
	return false
}

// Gate blocks until the invocation is allowed, denied, or its approval
// reaches a terminal state. A non-nil error means the wait was abandoned
// (ctx ended) or the request could not be queued; the request itself may
// still be pending in the queue.
func (a *Airlock) Gate(ctx context.Context, req GateRequest) (GateResult, error) {
	tool := strings.TrimSpace(req.ToolName)
	method := strings.TrimSpace(req.MethodName)
	log := a.log.With("tool", tool, "method", method)

	var reason string
	level, err := a.classifier.ClassifyFailClosed(tool, method)
	if err != nil {
		if !errors.Is(err, ErrUnknownMethod) {
			return GateResult{}, err
		}
		log.Warn("gate_unknown_method", "error", err.Error())
		reason = "unknown method, classified as dangerous"
	}

	names := []string{method}
	if tool != "" && tool != method {
		names = append(names, tool)
	}
	res := GateResult{
		CommandID:    strings.TrimSpace(req.CommandID),
		AirlockLevel: level,
		Decision:     a.policy.DecideAny(names, level, req.Headless),
		Reason:       reason,
	}

	switch res.Decision {
	case DecisionAllow:
		log.Debug("gate_allow", "airlock_level", level, "headless", req.Headless)
		return res, nil
	case DecisionDeny:
		res.Reason = joinReason(reason, "blocked by tool access policy")
		log.Info("gate_deny", "airlock_level", level)
		return res, nil
	}

	summary, err := SummarizePayload(req.Params)
	if err != nil {
		return res, err
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID, _ = SessionIDFromContext(ctx)
	}
	h, err := a.queue.Submit(ctx, ApprovalRequest{
		CommandID:      res.CommandID,
		SessionID:      sessionID,
		Intent:         method,
		ToolName:       tool,
		MethodName:     method,
		PayloadSummary: summary,
		PayloadPreview: a.redactor.Preview(summary, a.previewBytes),
		AirlockLevel:   level,
	})
	if err != nil {
		return res, err
	}
	res.CommandID = h.CommandID()

	status, err := a.queue.Await(ctx, h, req.Timeout)
	res.Outcome = status
	if err != nil {
		log.Info("gate_wait_abandoned", "command_id", res.CommandID, "error", err.Error())
		return res, err
	}
	switch status {
	case ApprovalDenied:
		res.Reason = joinReason(reason, "denied by operator")
	case ApprovalExpired:
		res.Reason = joinReason(reason, "approval expired")
	}
	return res, nil
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
