package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/operator"
)

func configureDaemon(t *testing.T) string {
	t.Helper()
	dir := isolateViper(t)
	if err := initViper(""); err != nil {
		t.Fatalf("initViper: %v", err)
	}
	viper.Set("db.dsn", filepath.Join(dir, "airlock.sqlite"))
	viper.Set("server.listen", "127.0.0.1:0")
	viper.Set("airlock.owner_token", "daemon-token")
	viper.Set("airlock.owner_actor", "ops")
	viper.Set("airlock.audit.jsonl_path", filepath.Join(dir, "audit.jsonl"))
	viper.Set("airlock.policy.deny", []string{"shell"})
	return dir
}

func TestDaemon_WiringAndRestart(t *testing.T) {
	configureDaemon(t)
	ctx := context.Background()

	d, err := newDaemon(ctx, slog.Default())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	ts := httptest.NewServer(d.server.Handler())
	client := operator.NewClient(ts.URL, "daemon-token")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	snap, err := client.Policy(ctx)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(snap.Tool.Policy.Deny) != 1 || snap.Tool.Policy.Deny[0] != "shell" {
		t.Fatalf("seeded deny = %v", snap.Tool.Policy.Deny)
	}
	draft := guard.ToolPolicyDraft{ToolAccessPolicy: snap.Tool.Policy, BaseHash: snap.Tool.Hash}
	draft.Deny = []string{"http", "shell"}
	if _, err := client.UpdateToolPolicy(ctx, draft); err != nil {
		t.Fatalf("UpdateToolPolicy: %v", err)
	}

	_, err = d.queue.Submit(ctx, guard.ApprovalRequest{
		CommandID:    "left-pending",
		Intent:       "write_file",
		AirlockLevel: guard.LevelSensitive,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ts.Close()
	d.close()

	d2, err := newDaemon(ctx, slog.Default())
	if err != nil {
		t.Fatalf("newDaemon after restart: %v", err)
	}
	defer d2.close()

	snap = d2.airlock.Policy().Snapshot()
	if snap.Tool.Version != 1 || len(snap.Tool.Policy.Deny) != 2 {
		t.Fatalf("policy after restart = %+v", snap.Tool)
	}
	events, err := d2.airlock.Policy().ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 1 || events[0].Actor != "ops" {
		t.Fatalf("audit after restart = %+v", events)
	}
	rec, ok, err := d2.queue.Get(ctx, "left-pending")
	if err != nil || !ok {
		t.Fatalf("Get after restart: ok=%v err=%v", ok, err)
	}
	if rec.Status != guard.ApprovalExpired {
		t.Fatalf("status after restart = %s, want expired", rec.Status)
	}
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	configureDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	d, err := newDaemon(ctx, slog.Default())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
