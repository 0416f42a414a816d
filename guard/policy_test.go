package guard

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func ownerCap(t *testing.T) Capability {
	t.Helper()
	c, err := IssueCapability(context.Background(), StaticOwnerAuthorizer{Token: "secret-owner-token", Actor: "alice"}, "secret-owner-token")
	if err != nil {
		t.Fatalf("IssueCapability: %v", err)
	}
	return c
}

func newTestEngine(t *testing.T, p ToolAccessPolicy) *PolicyEngine {
	t.Helper()
	e, err := NewPolicyEngine(context.Background(), PolicyEngineOptions{Initial: p})
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	return e
}

func TestDecide_Scenarios(t *testing.T) {
	allowlist := ToolAccessPolicy{Enabled: true, Mode: PolicyModeAllowlist, Allow: []string{"read_file"}, Deny: []string{}}
	denyDelete := ToolAccessPolicy{Enabled: true, Mode: PolicyModeAll, Deny: []string{"delete_file"}}

	cases := []struct {
		name     string
		policy   ToolAccessPolicy
		tool     string
		level    AirlockLevel
		headless bool
		want     Decision
	}{
		{"allowlist_miss", allowlist, "write_file", LevelSensitive, false, DecisionDeny},
		{"allowlist_hit_safe", allowlist, "read_file", LevelSafe, false, DecisionAllow},
		{"deny_dangerous", denyDelete, "delete_file", LevelDangerous, false, DecisionDeny},
		{"deny_dangerous_headless", denyDelete, "delete_file", LevelDangerous, true, DecisionDeny},
		{"all_sensitive", denyDelete, "write_file", LevelSensitive, false, DecisionRequireApproval},
		{"all_sensitive_headless", denyDelete, "write_file", LevelSensitive, true, DecisionAllow},
		{"all_dangerous_headless", denyDelete, "run_command", LevelDangerous, true, DecisionRequireApproval},
		{"all_safe", denyDelete, "list_dir", LevelSafe, false, DecisionAllow},
		{"disabled_dangerous", ToolAccessPolicy{Deny: []string{"x"}}, "x", LevelDangerous, false, DecisionRequireApproval},
		{"disabled_dangerous_headless", ToolAccessPolicy{}, "x", LevelDangerous, true, DecisionAllow},
		{"disabled_sensitive", ToolAccessPolicy{Mode: PolicyModeAllowlist}, "x", LevelSensitive, false, DecisionAllow},
		{"invalid_level_is_dangerous", denyDelete, "x", AirlockLevel("weird"), true, DecisionRequireApproval},
		{"empty_allowlist_denies", ToolAccessPolicy{Enabled: true, Mode: PolicyModeAllowlist}, "read_file", LevelSafe, false, DecisionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, tc.policy)
			if got := e.Decide(tc.tool, tc.level, tc.headless); got != tc.want {
				t.Fatalf("Decide(%q,%s,%v) = %s, want %s", tc.tool, tc.level, tc.headless, got, tc.want)
			}
		})
	}
}

func TestDecide_DenyPrecedence(t *testing.T) {
	names := []string{"a", "read_file", "shell", "z"}
	for _, mode := range []PolicyMode{PolicyModeAll, PolicyModeAllowlist} {
		e := newTestEngine(t, ToolAccessPolicy{Enabled: true, Mode: mode, Allow: names, Deny: names})
		for _, n := range names {
			for _, lvl := range []AirlockLevel{LevelSafe, LevelSensitive, LevelDangerous} {
				for _, headless := range []bool{false, true} {
					if got := e.Decide(n, lvl, headless); got != DecisionDeny {
						t.Fatalf("mode=%s Decide(%q,%s,%v) = %s, want deny", mode, n, lvl, headless, got)
					}
				}
			}
		}
	}
}

func TestDecide_Idempotent(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{Enabled: true, Mode: PolicyModeAll, Deny: []string{"shell"}})
	for i := 0; i < 100; i++ {
		a := e.Decide("write_file", LevelSensitive, false)
		b := e.Decide("write_file", LevelSensitive, false)
		if a != b {
			t.Fatalf("decide not idempotent: %s vs %s", a, b)
		}
	}
}

func TestDecideAny(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{
		Enabled: true,
		Mode:    PolicyModeAllowlist,
		Allow:   []string{"filesystem"},
		Deny:    []string{"delete_file"},
	})
	if got := e.DecideAny([]string{"read_file", "filesystem"}, LevelSafe, false); got != DecisionAllow {
		t.Fatalf("tool-level allow: got %s", got)
	}
	if got := e.DecideAny([]string{"delete_file", "filesystem"}, LevelDangerous, false); got != DecisionDeny {
		t.Fatalf("method-level deny must win: got %s", got)
	}
	if got := e.DecideAny([]string{"run_command", "shell"}, LevelSafe, false); got != DecisionDeny {
		t.Fatalf("no allowed name: got %s", got)
	}
}

func TestUpdateToolPolicy_RoundTrip(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{Enabled: true, Mode: PolicyModeAll})
	start := e.Snapshot().Tool

	draft := ToolAccessPolicy{Enabled: true, Mode: PolicyModeAllowlist, Allow: []string{"write_file", "read_file"}, Deny: []string{"shell"}}
	st, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: draft}, ownerCap(t))
	if err != nil {
		t.Fatalf("UpdateToolPolicy: %v", err)
	}
	got := e.Snapshot().Tool
	if !reflect.DeepEqual(got, st) {
		t.Fatalf("snapshot %#v != returned state %#v", got, st)
	}
	want := ToolAccessPolicy{Enabled: true, Mode: PolicyModeAllowlist, Allow: []string{"read_file", "write_file"}, Deny: []string{"shell"}}
	if !reflect.DeepEqual(got.Policy, want) {
		t.Fatalf("policy = %#v, want %#v", got.Policy, want)
	}
	if got.Version != start.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, start.Version+1)
	}
	if got.Hash == start.Hash {
		t.Fatal("hash must change when content changes")
	}
	if got.UpdatedBy != "alice" {
		t.Fatalf("updated_by = %q", got.UpdatedBy)
	}

	// Same content in a different order: version bumps, hash stays.
	same := ToolAccessPolicy{Enabled: true, Mode: PolicyModeAllowlist, Allow: []string{"read_file", "write_file"}, Deny: []string{"shell"}}
	st2, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: same}, ownerCap(t))
	if err != nil {
		t.Fatalf("UpdateToolPolicy (no-op): %v", err)
	}
	if st2.Version != got.Version+1 || st2.Hash != got.Hash {
		t.Fatalf("no-op write: version %d hash %s, prev version %d hash %s", st2.Version, st2.Hash, got.Version, got.Hash)
	}

	events, err := e.ListAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if len(events[0].Metadata.ChangedKeys) != 0 || events[0].Metadata.ChangedKeys == nil {
		t.Fatalf("no-op write must record empty changedKeys, got %#v", events[0].Metadata.ChangedKeys)
	}
	if !reflect.DeepEqual(events[1].Metadata.ChangedKeys, []string{"allow", "deny", "mode"}) {
		t.Fatalf("changed keys = %#v", events[1].Metadata.ChangedKeys)
	}
	if events[1].Actor != "alice" || events[1].EventType != EventToolPolicyUpdated {
		t.Fatalf("unexpected audit event: %#v", events[1])
	}
}

func TestUpdateToolPolicy_SnapshotIsImmutable(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{Enabled: true, Mode: PolicyModeAll, Deny: []string{"shell"}})
	snap := e.Snapshot()
	snap.Tool.Policy.Deny[0] = "other"
	if got := e.Decide("shell", LevelSafe, false); got != DecisionDeny {
		t.Fatalf("engine state mutated through snapshot: %s", got)
	}
}

func TestUpdateToolPolicy_Unauthorized(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{})
	before := e.Snapshot()
	_, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: ToolAccessPolicy{Enabled: true}}, Capability{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	_, err = e.UpdatePermissions(context.Background(), AdminPermissions{RunCleanup: true}, Capability{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !reflect.DeepEqual(before, e.Snapshot()) {
		t.Fatal("state changed after unauthorized write")
	}
	if events, _ := e.ListAudit(context.Background(), 0); len(events) != 0 {
		t.Fatalf("unauthorized write recorded %d audit events", len(events))
	}
}

func TestIssueCapability(t *testing.T) {
	auth := StaticOwnerAuthorizer{Token: "tok-123"}
	cases := []struct {
		name string
		auth Authorizer
		cred string
		ok   bool
	}{
		{"valid", auth, "tok-123", true},
		{"wrong", auth, "tok-124", false},
		{"empty", auth, "", false},
		{"no_authorizer", nil, "tok-123", false},
		{"unconfigured", StaticOwnerAuthorizer{}, "tok-123", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := IssueCapability(context.Background(), tc.auth, tc.cred)
			if tc.ok {
				if err != nil || !c.valid() || c.Actor() != "owner" {
					t.Fatalf("expected valid owner capability, got %#v err=%v", c, err)
				}
				return
			}
			if !errors.Is(err, ErrUnauthorized) || c.valid() {
				t.Fatalf("expected ErrUnauthorized, got %#v err=%v", c, err)
			}
		})
	}
}

func TestUpdateToolPolicy_Validation(t *testing.T) {
	cases := []struct {
		name  string
		draft ToolAccessPolicy
		field string
	}{
		{"bad_mode", ToolAccessPolicy{Mode: "blocklist"}, "mode"},
		{"empty_name", ToolAccessPolicy{Allow: []string{""}}, "allow[0]"},
		{"blank_name", ToolAccessPolicy{Deny: []string{"ok", "  "}}, "deny[1]"},
		{"padded_name", ToolAccessPolicy{Allow: []string{" read_file"}}, "allow[0]"},
		{"duplicate", ToolAccessPolicy{Deny: []string{"a", "b", "a"}}, "deny[2]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, ToolAccessPolicy{})
			_, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: tc.draft}, ownerCap(t))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected field %q, got %#v", tc.field, ve)
			}
			if e.Snapshot().Tool.Version != 0 {
				t.Fatal("invalid draft must not bump version")
			}
		})
	}

	e := newTestEngine(t, ToolAccessPolicy{})
	st, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: ToolAccessPolicy{Enabled: true, Mode: "Allowlist"}}, ownerCap(t))
	if err != nil {
		t.Fatalf("empty allowlist must be legal: %v", err)
	}
	if st.Policy.Mode != PolicyModeAllowlist || len(st.Policy.Allow) != 0 {
		t.Fatalf("unexpected state: %#v", st.Policy)
	}
}

func TestUpdateToolPolicy_BaseHashConflict(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{Enabled: true})
	base := e.Snapshot().Tool.Hash
	c := ownerCap(t)

	_, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{
		ToolAccessPolicy: ToolAccessPolicy{Enabled: true, Deny: []string{"shell"}},
		BaseHash:         base,
	}, c)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err = e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{
		ToolAccessPolicy: ToolAccessPolicy{Enabled: false},
		BaseHash:         base,
	}, c)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !e.Snapshot().Tool.Policy.Enabled {
		t.Fatal("conflicting write must not apply")
	}
}

func TestUpdatePermissions(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{})
	got, err := e.UpdatePermissions(context.Background(), AdminPermissions{EditSLOs: true, RunCleanup: true}, ownerCap(t))
	if err != nil {
		t.Fatalf("UpdatePermissions: %v", err)
	}
	if !got.EditSLOs || !got.RunCleanup || got.AcknowledgeAlerts {
		t.Fatalf("unexpected permissions: %#v", got)
	}
	snap := e.Snapshot().Permissions
	if snap.Version != 1 || snap.UpdatedBy != "alice" {
		t.Fatalf("unexpected permissions state: %#v", snap)
	}
	events, _ := e.ListAudit(context.Background(), 1)
	if len(events) != 1 || events[0].EventType != EventPermissionsUpdated {
		t.Fatalf("unexpected audit events: %#v", events)
	}
	if !reflect.DeepEqual(events[0].Metadata.ChangedKeys, []string{"edit_slos", "run_cleanup"}) {
		t.Fatalf("changed keys = %#v", events[0].Metadata.ChangedKeys)
	}
}

func TestPolicyWritesAreSerialized(t *testing.T) {
	e := newTestEngine(t, ToolAccessPolicy{Enabled: true})
	c := ownerCap(t)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			draft := ToolAccessPolicy{Enabled: true, Deny: []string{fmt.Sprintf("tool_%d", i)}}
			if _, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: draft}, c); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Decide("tool_0", LevelSafe, false)
		}()
	}
	wg.Wait()
	if v := e.Snapshot().Tool.Version; v != n {
		t.Fatalf("version = %d, want %d", v, n)
	}
	events, _ := e.ListAudit(context.Background(), 100)
	if len(events) != n {
		t.Fatalf("audit events = %d, want %d", len(events), n)
	}
	for i, ev := range events {
		if want := int64(n - i); ev.Metadata.Version != want {
			t.Fatalf("events[%d].version = %d, want %d", i, ev.Metadata.Version, want)
		}
	}
}

type failingAuditLog struct{}

func (failingAuditLog) Record(context.Context, AuditEvent) error { return errors.New("disk full") }

func (failingAuditLog) List(context.Context, int) ([]AuditEvent, error) { return nil, nil }

type memoryPolicyStore struct {
	mu    sync.Mutex
	snap  PolicySnapshot
	saved bool
	saves int
}

func (s *memoryPolicyStore) LoadPolicy(context.Context) (PolicySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.saved, nil
}

func (s *memoryPolicyStore) SavePolicy(_ context.Context, snap PolicySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.saved = snap, true
	s.saves++
	return nil
}

func TestUpdateToolPolicy_AuditFailureRollsBack(t *testing.T) {
	store := &memoryPolicyStore{}
	e, err := NewPolicyEngine(context.Background(), PolicyEngineOptions{
		Store:   store,
		Audit:   failingAuditLog{},
		Initial: ToolAccessPolicy{Enabled: true, Deny: []string{"shell"}},
	})
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	before := e.Snapshot()
	_, err = e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: ToolAccessPolicy{Enabled: false}}, ownerCap(t))
	if err == nil {
		t.Fatal("expected audit failure")
	}
	if !reflect.DeepEqual(before, e.Snapshot()) {
		t.Fatal("live state changed despite audit failure")
	}
	persisted, _, _ := store.LoadPolicy(context.Background())
	if !reflect.DeepEqual(persisted.Tool, before.Tool) {
		t.Fatalf("store not rolled back: %#v", persisted.Tool)
	}
}

func TestNewPolicyEngine_LoadsPersistedState(t *testing.T) {
	store := &memoryPolicyStore{}
	e1, err := NewPolicyEngine(context.Background(), PolicyEngineOptions{Store: store, Initial: ToolAccessPolicy{Enabled: true}})
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	st, err := e1.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: ToolAccessPolicy{Enabled: true, Deny: []string{"shell"}}}, ownerCap(t))
	if err != nil {
		t.Fatalf("UpdateToolPolicy: %v", err)
	}

	e2, err := NewPolicyEngine(context.Background(), PolicyEngineOptions{Store: store, Initial: ToolAccessPolicy{}})
	if err != nil {
		t.Fatalf("NewPolicyEngine (reload): %v", err)
	}
	got := e2.Snapshot().Tool
	if got.Version != st.Version || got.Hash != st.Hash {
		t.Fatalf("reloaded %d/%s, want %d/%s", got.Version, got.Hash, st.Version, st.Hash)
	}
	if e2.Decide("shell", LevelSafe, false) != DecisionDeny {
		t.Fatal("reloaded policy must deny shell")
	}
}

func TestPolicyEngine_PublishesAndMirrors(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	sink := &recordingSink{}
	e, err := NewPolicyEngine(context.Background(), PolicyEngineOptions{Bus: bus, Sinks: []AuditSink{sink}})
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx, TopicToolPolicyUpdated)

	if _, err := e.UpdateToolPolicy(context.Background(), ToolPolicyDraft{ToolAccessPolicy: ToolAccessPolicy{Enabled: true}}, ownerCap(t)); err != nil {
		t.Fatalf("UpdateToolPolicy: %v", err)
	}
	ev := recvEvent(t, sub)
	payload, ok := ev.Payload.(AuditEvent)
	if !ok || payload.EventType != EventToolPolicyUpdated {
		t.Fatalf("unexpected payload: %#v", ev.Payload)
	}
	if sink.count() != 1 {
		t.Fatalf("sink got %d events, want 1", sink.count())
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, e AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
