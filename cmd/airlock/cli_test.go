package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/operator"
	"github.com/quailyquaily/airlock/skills"
)

const cliTestToken = "cli-owner-token"

type cliEnv struct {
	url     string
	airlock *guard.Airlock
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	isolateViper(t)
	ctx := context.Background()

	reg, err := skills.NewRegistry(skills.Builtin()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bus := guard.NewBus(nil)
	engine, err := guard.NewPolicyEngine(ctx, guard.PolicyEngineOptions{
		Bus:     bus,
		Initial: guard.ToolAccessPolicy{Enabled: true, Mode: guard.PolicyModeAll, Deny: []string{"shell"}},
	})
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	queue, err := guard.NewQueue(ctx, guard.QueueOptions{Bus: bus})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	a, err := guard.New(guard.Options{Classifier: guard.NewClassifier(reg), Policy: engine, Queue: queue})
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	srv, err := operator.New(operator.Config{}, operator.Deps{
		Airlock:    a,
		Registry:   reg,
		Bus:        bus,
		Authorizer: guard.StaticOwnerAuthorizer{Token: cliTestToken, Actor: "owner"},
	})
	if err != nil {
		t.Fatalf("operator.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		queue.Close()
		bus.Close()
		ts.Close()
	})
	return &cliEnv{url: ts.URL, airlock: a}
}

// run executes the CLI against the test server with the owner token.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--server", e.url, "--token", cliTestToken}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) submit(t *testing.T, id string) {
	t.Helper()
	_, err := e.airlock.Queue().Submit(context.Background(), guard.ApprovalRequest{
		CommandID:      id,
		Intent:         "write_file",
		ToolName:       "filesystem",
		MethodName:     "write_file",
		PayloadSummary: `{"path":"/etc/hosts"}`,
		PayloadPreview: `{"path":"/etc/hosts"}`,
		AirlockLevel:   guard.LevelSensitive,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func decodeOutput[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestCLI_PendingAndResolve(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "pending", "-o", "json")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got := decodeOutput[[]guard.ApprovalRequest](t, out); len(got) != 0 {
		t.Fatalf("pending = %v, want empty", got)
	}

	env.submit(t, "cmd-1")
	out, err = env.run(t, "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, "cmd-1") || !strings.Contains(out, "sensitive") {
		t.Fatalf("pending table missing request:\n%s", out)
	}

	out, err = env.run(t, "pending", "show", "cmd-1")
	if err != nil {
		t.Fatalf("pending show: %v", err)
	}
	if !strings.Contains(out, "/etc/hosts") || !strings.Contains(out, "pending") {
		t.Fatalf("show output:\n%s", out)
	}

	out, err = env.run(t, "resolve", "cmd-1", "--approve")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "approved by owner") {
		t.Fatalf("resolve output = %q", out)
	}

	if _, err := env.run(t, "resolve", "cmd-1", "--deny"); !errors.Is(err, guard.ErrNotFound) {
		t.Fatalf("second resolve err = %v, want ErrNotFound", err)
	}
}

func TestCLI_ResolveFlags(t *testing.T) {
	env := setupCLI(t)
	env.submit(t, "cmd-2")

	if _, err := env.run(t, "resolve", "cmd-2"); err == nil {
		t.Fatalf("expected error without --approve or --deny")
	}
	if _, err := env.run(t, "resolve", "cmd-2", "--approve", "--deny"); err == nil {
		t.Fatalf("expected error with both flags")
	}
	_, err := runCLI(t, "--server", env.url, "--token", "wrong", "resolve", "cmd-2", "--deny")
	if !errors.Is(err, guard.ErrUnauthorized) {
		t.Fatalf("wrong token err = %v, want ErrUnauthorized", err)
	}
	if env.airlock.Queue().Len() != 1 {
		t.Fatalf("request should still be pending")
	}
}

func TestCLI_Policy(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "policy", "set", "--deny", "shell,browser", "-o", "json")
	if err != nil {
		t.Fatalf("policy set: %v", err)
	}
	state := decodeOutput[guard.ToolPolicyState](t, out)
	if state.Version != 1 || len(state.Policy.Deny) != 2 || state.Policy.Deny[0] != "browser" {
		t.Fatalf("state = %+v", state)
	}
	if !state.Policy.Enabled || state.Policy.Mode != guard.PolicyModeAll {
		t.Fatalf("unset flags should keep current values: %+v", state.Policy)
	}

	if _, err := env.run(t, "policy", "set", "--mode", "sometimes"); !errors.Is(err, guard.ErrValidation) {
		t.Fatalf("invalid mode err = %v, want ErrValidation", err)
	}

	out, err = env.run(t, "policy", "permissions", "--run-cleanup", "-o", "json")
	if err != nil {
		t.Fatalf("policy permissions: %v", err)
	}
	perms := decodeOutput[guard.PermissionsState](t, out)
	if !perms.Permissions.RunCleanup || perms.Permissions.EditSLOs {
		t.Fatalf("permissions = %+v", perms.Permissions)
	}

	out, err = env.run(t, "policy", "show")
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	if !strings.Contains(out, "browser,shell") || !strings.Contains(out, "run_cleanup: true") {
		t.Fatalf("policy show:\n%s", out)
	}

	out, err = env.run(t, "audit", "-o", "json")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	events := decodeOutput[[]guard.AuditEvent](t, out)
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].EventType != guard.EventPermissionsUpdated || events[1].EventType != guard.EventToolPolicyUpdated {
		t.Fatalf("audit order = %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[1].Actor != "owner" {
		t.Fatalf("actor = %q", events[1].Actor)
	}
}

func TestCLI_ClassifyAndSkillsLocal(t *testing.T) {
	isolateViper(t)

	out, err := runCLI(t, "classify", "filesystem", "delete_file", "-o", "json")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	res := decodeOutput[operator.ClassifyResult](t, out)
	if res.AirlockLevel != guard.LevelDangerous || !res.Known {
		t.Fatalf("classify = %+v", res)
	}

	out, err = runCLI(t, "classify", "filesystem", "shred", "-o", "json")
	if err != nil {
		t.Fatalf("classify unknown: %v", err)
	}
	res = decodeOutput[operator.ClassifyResult](t, out)
	if res.AirlockLevel != guard.LevelDangerous || res.Known {
		t.Fatalf("unknown method should be dangerous and not known: %+v", res)
	}

	out, err = runCLI(t, "skills")
	if err != nil {
		t.Fatalf("skills: %v", err)
	}
	for _, want := range []string{"filesystem", "run_command", "submit_form", "post"} {
		if !strings.Contains(out, want) {
			t.Fatalf("skills output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_ClassifyRemote(t *testing.T) {
	env := setupCLI(t)
	out, err := env.run(t, "classify", "browser", "navigate", "--remote")
	if err != nil {
		t.Fatalf("classify --remote: %v", err)
	}
	if strings.TrimSpace(out) != "browser.navigate: sensitive" {
		t.Fatalf("classify output = %q", out)
	}
}

func TestCLI_Gate(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "gate", "filesystem", "read_file", "--params", `{"path":"/tmp/x"}`)
	if err != nil {
		t.Fatalf("gate safe: %v", err)
	}
	if !strings.HasPrefix(out, "allowed") {
		t.Fatalf("gate safe output = %q", out)
	}

	_, err = env.run(t, "gate", "shell", "run_command")
	var na errNotAllowed
	if !errors.As(err, &na) || na.res.Decision != guard.DecisionDeny {
		t.Fatalf("denied tool err = %v", err)
	}

	if _, err := env.run(t, "gate", "filesystem", "write_file", "--params", `[1]`); err == nil {
		t.Fatalf("expected error for non-object params")
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := env.run(t, "gate", "filesystem", "write_file", "--command-id", "gate-1", "-o", "json")
		done <- result{out, err}
	}()
	waitForPending(t, env.airlock.Queue(), "gate-1")
	if err := env.airlock.Queue().Resolve(context.Background(), "gate-1", true, "owner"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("gate: %v", r.err)
		}
		res := decodeOutput[guard.GateResult](t, r.out)
		if res.Outcome != guard.ApprovalApproved || res.CommandID != "gate-1" {
			t.Fatalf("gate result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("gate did not return after approval")
	}
}

func TestCLI_InvalidOutput(t *testing.T) {
	isolateViper(t)
	if _, err := runCLI(t, "skills", "-o", "yaml"); err == nil {
		t.Fatalf("expected error for --output yaml")
	}
}

func waitForPending(t *testing.T, q *guard.Queue, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range q.ListPending() {
			if r.CommandID == id {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never became pending", id)
}
