package guard

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestChangedKeys(t *testing.T) {
	cases := []struct {
		name       string
		prev, next string
		want       []string
	}{
		{"identical", `{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`, []string{}},
		{"changed", `{"a":1,"b":true}`, `{"a":2,"b":true}`, []string{"a"}},
		{"added_removed", `{"a":1}`, `{"b":1}`, []string{"a", "b"}},
		{"nested", `{"allow":["x"]}`, `{"allow":["x","y"]}`, []string{"allow"}},
		{"empty_prev", ``, `{"z":1,"a":0}`, []string{"a", "z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ChangedKeys(json.RawMessage(tc.prev), json.RawMessage(tc.next))
			if err != nil {
				t.Fatalf("ChangedKeys: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ChangedKeys = %#v, want %#v", got, tc.want)
			}
		})
	}
	if _, err := ChangedKeys(json.RawMessage(`[1]`), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for non-object snapshot")
	}
}

func TestMemoryAuditLog_MostRecentFirst(t *testing.T) {
	l := NewMemoryAuditLog()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev, err := newAuditEvent(EventPermissionsUpdated, "alice", time.Now(), AdminPermissions{}, AdminPermissions{RunCleanup: i%2 == 0}, int64(i+1), "")
		if err != nil {
			t.Fatalf("newAuditEvent: %v", err)
		}
		if err := l.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got, err := l.List(ctx, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, ev := range got {
		if want := int64(5 - i); ev.Metadata.Version != want {
			t.Fatalf("got[%d].version = %d, want %d", i, ev.Metadata.Version, want)
		}
	}
	all, _ := l.List(ctx, 0)
	if len(all) != 5 {
		t.Fatalf("default limit returned %d events", len(all))
	}
}

func TestJSONLAuditSink_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "policy.jsonl")
	sink, err := NewJSONLAuditSink(path, 300)
	if err != nil {
		t.Fatalf("NewJSONLAuditSink: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 4; i++ {
		ev, err := newAuditEvent(EventToolPolicyUpdated, "alice", time.Now(), ToolAccessPolicy{}, ToolAccessPolicy{Enabled: true}, int64(i+1), "h")
		if err != nil {
			t.Fatalf("newAuditEvent: %v", err)
		}
		if err := sink.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	lines := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "policy.jsonl.") {
			rotated++
		}
		lines += countLines(t, filepath.Join(filepath.Dir(path), e.Name()))
	}
	if rotated == 0 {
		t.Fatal("expected at least one rotated file")
	}
	if lines != 4 {
		t.Fatalf("total lines = %d, want 4", lines)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad jsonl line in %s: %v", path, err)
		}
		n++
	}
	return n
}
