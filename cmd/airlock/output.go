package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/internal/clifmt"
	"github.com/quailyquaily/airlock/operator"
	"github.com/quailyquaily/airlock/skills"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printApprovalTable(w io.Writer, items []guard.ApprovalRequest) {
	if len(items) == 0 {
		fmt.Fprintln(w, clifmt.Dim("no pending approvals"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMAND ID\tLEVEL\tTOOL\tMETHOD\tSESSION\tAGE")
	now := time.Now()
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.CommandID, it.AirlockLevel, dash(it.ToolName), dash(it.MethodName), dash(it.SessionID),
			now.Sub(it.CreatedAt).Truncate(time.Second))
	}
	_ = tw.Flush()
}

func printApproval(w io.Writer, rec guard.ApprovalRequest) {
	fmt.Fprintln(w, clifmt.Headerf("Approval %s", rec.CommandID))
	field(w, "status", statusLabel(rec.Status))
	field(w, "level", clifmt.Level(string(rec.AirlockLevel)))
	field(w, "intent", rec.Intent)
	field(w, "tool", dash(rec.ToolName))
	field(w, "method", dash(rec.MethodName))
	field(w, "session", dash(rec.SessionID))
	field(w, "created", rec.CreatedAt.Format(time.RFC3339))
	if rec.ResolvedAt != nil {
		field(w, "resolved", rec.ResolvedAt.Format(time.RFC3339))
	}
	if rec.Actor != "" {
		field(w, "actor", rec.Actor)
	}
	fmt.Fprintln(w, clifmt.Key("payload:"))
	fmt.Fprintln(w, indent(rec.PayloadPreview))
}

func printPolicy(w io.Writer, snap guard.PolicySnapshot) {
	printToolPolicy(w, snap.Tool)
	fmt.Fprintln(w)
	printPermissions(w, snap.Permissions)
}

func printToolPolicy(w io.Writer, st guard.ToolPolicyState) {
	fmt.Fprintln(w, clifmt.Headerf("Tool access policy (v%d)", st.Version))
	field(w, "enabled", fmt.Sprintf("%t", st.Policy.Enabled))
	field(w, "mode", string(st.Policy.Mode))
	field(w, "allow", joinOrDash(st.Policy.Allow))
	field(w, "deny", joinOrDash(st.Policy.Deny))
	field(w, "hash", clifmt.Dim(st.Hash))
	if st.UpdatedBy != "" {
		field(w, "updated", fmt.Sprintf("%s by %s", st.UpdatedAt.Format(time.RFC3339), st.UpdatedBy))
	}
}

func printPermissions(w io.Writer, st guard.PermissionsState) {
	fmt.Fprintln(w, clifmt.Headerf("Admin permissions (v%d)", st.Version))
	field(w, "edit_slos", fmt.Sprintf("%t", st.Permissions.EditSLOs))
	field(w, "acknowledge_alerts", fmt.Sprintf("%t", st.Permissions.AcknowledgeAlerts))
	field(w, "edit_retention", fmt.Sprintf("%t", st.Permissions.EditRetention))
	field(w, "run_cleanup", fmt.Sprintf("%t", st.Permissions.RunCleanup))
	if st.UpdatedBy != "" {
		field(w, "updated", fmt.Sprintf("%s by %s", st.UpdatedAt.Format(time.RFC3339), st.UpdatedBy))
	}
}

func printAuditTable(w io.Writer, events []guard.AuditEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, clifmt.Dim("no audit events"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tACTOR\tVERSION\tCHANGED")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.EventType, dash(e.Actor), e.Metadata.Version,
			joinOrDash(e.Metadata.ChangedKeys))
	}
	_ = tw.Flush()
}

func printClassify(w io.Writer, res operator.ClassifyResult) {
	fmt.Fprintf(w, "%s.%s: %s", res.ToolName, res.MethodName, clifmt.Level(string(res.AirlockLevel)))
	if !res.Known {
		fmt.Fprint(w, clifmt.Warn(" (unknown method)"))
	}
	fmt.Fprintln(w)
}

func printSkills(w io.Writer, manifests []skills.Manifest) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tMETHOD\tLEVEL\tDESCRIPTION")
	for _, m := range manifests {
		methods := append([]skills.Method(nil), m.Methods...)
		sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
		for _, meth := range methods {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ToolName, meth.Name, meth.AirlockLevel, dash(meth.Description))
		}
	}
	_ = tw.Flush()
}

func printGateResult(w io.Writer, res guard.GateResult) {
	verdict := clifmt.Success("allowed")
	if !res.Allowed() {
		verdict = clifmt.Warn("blocked")
	}
	fmt.Fprintf(w, "%s (%s, %s", verdict, res.Decision, clifmt.Level(string(res.AirlockLevel)))
	if res.Outcome != "" {
		fmt.Fprintf(w, ", %s", res.Outcome)
	}
	fmt.Fprint(w, ")")
	if res.CommandID != "" {
		fmt.Fprintf(w, " %s", clifmt.Dim(res.CommandID))
	}
	fmt.Fprintln(w)
	if res.Reason != "" {
		fmt.Fprintln(w, clifmt.Dim(res.Reason))
	}
}

func statusLabel(s guard.ApprovalStatus) string {
	switch s {
	case guard.ApprovalApproved:
		return clifmt.Success(string(s))
	case guard.ApprovalDenied, guard.ApprovalExpired:
		return clifmt.Warn(string(s))
	}
	return string(s)
}

func field(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s\n", clifmt.Key(key+":"), value)
}

func indent(s string) string {
	if strings.TrimSpace(s) == "" {
		return "  " + clifmt.Dim("(empty)")
	}
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
