package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type AirlockLevel string

const (
	LevelSafe      AirlockLevel = "safe"
	LevelSensitive AirlockLevel = "sensitive"
	LevelDangerous AirlockLevel = "dangerous"
)

func ParseAirlockLevel(s string) (AirlockLevel, error) {
	switch AirlockLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelSafe:
		return LevelSafe, nil
	case LevelSensitive:
		return LevelSensitive, nil
	case LevelDangerous:
		return LevelDangerous, nil
	}
	return "", fmt.Errorf("invalid airlock level: %q", s)
}

func (l AirlockLevel) Valid() bool {
	switch l {
	case LevelSafe, LevelSensitive, LevelDangerous:
		return true
	}
	return false
}

type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// ApprovalRequest is one gated invocation waiting for (or past) a decision.
// AirlockLevel and CommandID are fixed at submission.
type ApprovalRequest struct {
	CommandID  string `json:"command_id"`
	SessionID  string `json:"session_id,omitempty"`
	Intent     string `json:"intent"`
	ToolName   string `json:"tool_name,omitempty"`
	MethodName string `json:"method_name,omitempty"`

	// PayloadSummary is the full serialized argument set kept for audit.
	// PayloadPreview is the redacted, size-bounded form shown to operators.
	PayloadSummary string `json:"payload_summary"`
	PayloadPreview string `json:"payload_preview,omitempty"`

	AirlockLevel AirlockLevel   `json:"airlock_level"`
	CreatedAt    time.Time      `json:"created_at"`
	Status       ApprovalStatus `json:"status"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	Actor        string         `json:"actor,omitempty"`
}

// ApprovalResolved is the payload of TopicApprovalResolved.
type ApprovalResolved struct {
	CommandID string         `json:"command_id"`
	Status    ApprovalStatus `json:"status"`
	Actor     string         `json:"actor,omitempty"`
}

func canonicalJSON(v any) ([]byte, error) {
	cv, err := canonicalizeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cv)
}

// canonicalizeValue flattens maps into sorted [k, v, ...] arrays so that
// equal content always serializes to equal bytes.
func canonicalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k)
			vv, err := canonicalizeValue(x[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vv)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, vv := range x {
			cv, err := canonicalizeValue(vv)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case string, float64, bool, nil, int, int64, json.Number:
		return x, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		var y any
		if err := json.Unmarshal(b, &y); err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		return canonicalizeValue(y)
	}
}

func contentHash(v any) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SummarizePayload renders call arguments as JSON. encoding/json sorts map
// keys, so equal arguments always summarize identically.
func SummarizePayload(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}
	return string(b), nil
}
