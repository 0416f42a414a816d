package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type PolicyMode string

const (
	PolicyModeAll       PolicyMode = "all"
	PolicyModeAllowlist PolicyMode = "allowlist"
)

// ToolAccessPolicy decides which tools may be invoked at all, independent of
// per-call risk approval. A name present in both Allow and Deny is denied.
type ToolAccessPolicy struct {
	Enabled bool       `json:"enabled" mapstructure:"enabled"`
	Mode    PolicyMode `json:"mode" mapstructure:"mode"`
	Allow   []string   `json:"allow" mapstructure:"allow"`
	Deny    []string   `json:"deny" mapstructure:"deny"`
}

type ToolPolicyState struct {
	Policy    ToolAccessPolicy `json:"policy"`
	Version   int64            `json:"version"`
	Hash      string           `json:"hash"`
	UpdatedAt time.Time        `json:"updated_at"`
	UpdatedBy string           `json:"updated_by,omitempty"`
}

// ToolPolicyDraft is a full replacement policy. When BaseHash is set the
// write only applies if the live policy still has that hash.
type ToolPolicyDraft struct {
	ToolAccessPolicy
	BaseHash string `json:"base_hash,omitempty"`
}

type AdminPermissions struct {
	EditSLOs          bool `json:"edit_slos" mapstructure:"edit_slos"`
	AcknowledgeAlerts bool `json:"acknowledge_alerts" mapstructure:"acknowledge_alerts"`
	EditRetention     bool `json:"edit_retention" mapstructure:"edit_retention"`
	RunCleanup        bool `json:"run_cleanup" mapstructure:"run_cleanup"`
}

type PermissionsState struct {
	Permissions AdminPermissions `json:"permissions"`
	Version     int64            `json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
	UpdatedBy   string           `json:"updated_by,omitempty"`
}

// PolicySnapshot is an immutable copy of everything the engine owns.
type PolicySnapshot struct {
	Tool        ToolPolicyState  `json:"tool_policy"`
	Permissions PermissionsState `json:"permissions"`
}

// PolicyStore persists the engine state across restarts.
type PolicyStore interface {
	LoadPolicy(ctx context.Context) (PolicySnapshot, bool, error)
	SavePolicy(ctx context.Context, s PolicySnapshot) error
}

type PolicyEngineOptions struct {
	Store  PolicyStore
	Audit  AuditLog
	Sinks  []AuditSink
	Bus    *Bus
	Logger *slog.Logger

	// Seed state, used only when Store has nothing persisted yet.
	Initial            ToolAccessPolicy
	InitialPermissions AdminPermissions

	Now func() time.Time
}

type PolicyEngine struct {
	store PolicyStore
	audit AuditLog
	sinks []AuditSink
	bus   *Bus
	log   *slog.Logger
	now   func() time.Time

	writeMu sync.Mutex
	view    atomic.Pointer[policyView]
}

type policyView struct {
	snap  PolicySnapshot
	allow map[string]bool
	deny  map[string]bool
}

func NewPolicyEngine(ctx context.Context, opts PolicyEngineOptions) (*PolicyEngine, error) {
	e := &PolicyEngine{
		store: opts.Store,
		audit: opts.Audit,
		sinks: opts.Sinks,
		bus:   opts.Bus,
		log:   opts.Logger,
		now:   opts.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.audit == nil {
		e.audit = NewMemoryAuditLog()
	}

	if e.store != nil {
		snap, ok, err := e.store.LoadPolicy(ctx)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		if ok {
			norm, err := normalizeToolPolicy(snap.Tool.Policy)
			if err != nil {
				return nil, fmt.Errorf("persisted tool policy: %w", err)
			}
			snap.Tool.Policy = norm
			e.view.Store(compileView(snap))
			e.log.Info("policy_loaded", "version", snap.Tool.Version, "hash", snap.Tool.Hash)
			return e, nil
		}
	}

	norm, err := normalizeToolPolicy(opts.Initial)
	if err != nil {
		return nil, fmt.Errorf("initial tool policy: %w", err)
	}
	hash, err := contentHash(norm)
	if err != nil {
		return nil, err
	}
	now := e.now()
	snap := PolicySnapshot{
		Tool:        ToolPolicyState{Policy: norm, Hash: hash, UpdatedAt: now},
		Permissions: PermissionsState{Permissions: opts.InitialPermissions, UpdatedAt: now},
	}
	if e.store != nil {
		if err := e.store.SavePolicy(ctx, snap); err != nil {
			return nil, fmt.Errorf("seed policy: %w", err)
		}
	}
	e.view.Store(compileView(snap))
	return e, nil
}

// Snapshot returns the current state. Callers get copies; mutating them has
// no effect on the engine.
func (e *PolicyEngine) Snapshot() PolicySnapshot {
	return cloneSnapshot(e.view.Load().snap)
}

func (e *PolicyEngine) Decide(toolName string, level AirlockLevel, headless bool) Decision {
	return e.DecideAny([]string{toolName}, level, headless)
}

// DecideAny evaluates several names for one invocation (e.g. the method and
// its manifest). Any denied name denies; in allowlist mode one allowed name
// is enough.
func (e *PolicyEngine) DecideAny(names []string, level AirlockLevel, headless bool) Decision {
	return e.view.Load().decide(names, level, headless)
}

func (v *policyView) decide(names []string, level AirlockLevel, headless bool) Decision {
	if !level.Valid() {
		level = LevelDangerous
	}
	p := v.snap.Tool.Policy
	if !p.Enabled {
		if level == LevelDangerous && !headless {
			return DecisionRequireApproval
		}
		return DecisionAllow
	}
	for _, n := range names {
		if v.deny[n] {
			return DecisionDeny
		}
	}
	if p.Mode == PolicyModeAllowlist {
		allowed := false
		for _, n := range names {
			if v.allow[n] {
				allowed = true
				break
			}
		}
		if !allowed {
			return DecisionDeny
		}
	}
	switch {
	case level == LevelSafe:
		return DecisionAllow
	case headless && level == LevelSensitive:
		return DecisionAllow
	default:
		return DecisionRequireApproval
	}
}

func (e *PolicyEngine) UpdateToolPolicy(ctx context.Context, draft ToolPolicyDraft, c Capability) (ToolPolicyState, error) {
	if !c.valid() {
		return ToolPolicyState{}, fmt.Errorf("%w: owner capability required", ErrUnauthorized)
	}
	norm, err := normalizeToolPolicy(draft.ToolAccessPolicy)
	if err != nil {
		return ToolPolicyState{}, err
	}
	hash, err := contentHash(norm)
	if err != nil {
		return ToolPolicyState{}, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.view.Load().snap
	if base := strings.TrimSpace(draft.BaseHash); base != "" && base != cur.Tool.Hash {
		return ToolPolicyState{}, fmt.Errorf("%w: base hash %s, current %s", ErrConflict, base, cur.Tool.Hash)
	}

	now := e.now()
	next := cloneSnapshot(cur)
	next.Tool = ToolPolicyState{
		Policy:    norm,
		Version:   cur.Tool.Version + 1,
		Hash:      hash,
		UpdatedAt: now,
		UpdatedBy: c.Actor(),
	}
	ev, err := newAuditEvent(EventToolPolicyUpdated, c.Actor(), now, cur.Tool.Policy, norm, next.Tool.Version, hash)
	if err != nil {
		return ToolPolicyState{}, err
	}
	if err := e.commitLocked(ctx, cur, next, ev); err != nil {
		return ToolPolicyState{}, err
	}
	e.log.Info("tool_policy_updated",
		"actor", c.Actor(),
		"version", next.Tool.Version,
		"hash", hash,
		"changed_keys", ev.Metadata.ChangedKeys,
	)
	e.bus.Publish(TopicToolPolicyUpdated, ev)
	return cloneSnapshot(next).Tool, nil
}

func (e *PolicyEngine) UpdatePermissions(ctx context.Context, draft AdminPermissions, c Capability) (AdminPermissions, error) {
	if !c.valid() {
		return AdminPermissions{}, fmt.Errorf("%w: owner capability required", ErrUnauthorized)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.view.Load().snap
	now := e.now()
	next := cloneSnapshot(cur)
	next.Permissions = PermissionsState{
		Permissions: draft,
		Version:     cur.Permissions.Version + 1,
		UpdatedAt:   now,
		UpdatedBy:   c.Actor(),
	}
	ev, err := newAuditEvent(EventPermissionsUpdated, c.Actor(), now, cur.Permissions.Permissions, draft, next.Permissions.Version, "")
	if err != nil {
		return AdminPermissions{}, err
	}
	if err := e.commitLocked(ctx, cur, next, ev); err != nil {
		return AdminPermissions{}, err
	}
	e.log.Info("permissions_updated",
		"actor", c.Actor(),
		"version", next.Permissions.Version,
		"changed_keys", ev.Metadata.ChangedKeys,
	)
	e.bus.Publish(TopicPermissionsUpdated, ev)
	return draft, nil
}

// commitLocked persists next, records ev and only then makes next live.
// A failed audit write rolls the store back to prev.
func (e *PolicyEngine) commitLocked(ctx context.Context, prev, next PolicySnapshot, ev AuditEvent) error {
	if e.store != nil {
		if err := e.store.SavePolicy(ctx, next); err != nil {
			return fmt.Errorf("persist policy: %w", err)
		}
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		if e.store != nil {
			if rbErr := e.store.SavePolicy(ctx, prev); rbErr != nil {
				e.log.Error("policy_rollback_error", "error", rbErr.Error(), "event_id", ev.ID)
			}
		}
		return fmt.Errorf("record audit event: %w", err)
	}
	e.view.Store(compileView(next))

	for _, s := range e.sinks {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			e.log.Warn("audit_sink_error", "error", err.Error(), "event_id", ev.ID)
		}
	}
	return nil
}

// ListAudit returns the most recent audit events first.
func (e *PolicyEngine) ListAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	return e.audit.List(ctx, limit)
}

func compileView(s PolicySnapshot) *policyView {
	v := &policyView{
		snap:  cloneSnapshot(s),
		allow: make(map[string]bool, len(s.Tool.Policy.Allow)),
		deny:  make(map[string]bool, len(s.Tool.Policy.Deny)),
	}
	for _, n := range s.Tool.Policy.Allow {
		v.allow[n] = true
	}
	for _, n := range s.Tool.Policy.Deny {
		v.deny[n] = true
	}
	return v
}

func cloneSnapshot(s PolicySnapshot) PolicySnapshot {
	out := s
	out.Tool.Policy.Allow = append([]string{}, s.Tool.Policy.Allow...)
	out.Tool.Policy.Deny = append([]string{}, s.Tool.Policy.Deny...)
	return out
}

// normalizeToolPolicy validates p and returns it with sorted name sets.
// Allowlist mode with an empty allow list is legal and denies every tool.
func normalizeToolPolicy(p ToolAccessPolicy) (ToolAccessPolicy, error) {
	mode := PolicyMode(strings.ToLower(strings.TrimSpace(string(p.Mode))))
	switch mode {
	case "":
		mode = PolicyModeAll
	case PolicyModeAll, PolicyModeAllowlist:
	default:
		return ToolAccessPolicy{}, validationf("mode", "unsupported mode %q (expected all|allowlist)", p.Mode)
	}
	allow, err := normalizeNameSet("allow", p.Allow)
	if err != nil {
		return ToolAccessPolicy{}, err
	}
	deny, err := normalizeNameSet("deny", p.Deny)
	if err != nil {
		return ToolAccessPolicy{}, err
	}
	return ToolAccessPolicy{Enabled: p.Enabled, Mode: mode, Allow: allow, Deny: deny}, nil
}

func normalizeNameSet(field string, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			return nil, validationf(fmt.Sprintf("%s[%d]", field, i), "tool name is empty")
		}
		if strings.TrimSpace(n) != n {
			return nil, validationf(fmt.Sprintf("%s[%d]", field, i), "tool name %q has surrounding whitespace", n)
		}
		if seen[n] {
			return nil, validationf(fmt.Sprintf("%s[%d]", field, i), "duplicate tool name %q", n)
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
