package guard

import "time"

type Config struct {
	Policy      ToolAccessPolicy
	Permissions AdminPermissions

	Approvals ApprovalsConfig
	Audit     AuditConfig
	Redaction RedactionConfig
	Display   DisplayConfig
}

type ApprovalsConfig struct {
	// Timeout is the queue-wide expiry for pending requests; zero blocks
	// until a decision arrives.
	Timeout time.Duration

	// StoreDSN selects SQLite retention of approval records; empty keeps
	// MaxRetained resolved records in memory.
	StoreDSN    string
	MaxRetained int

	Retention         time.Duration
	RetentionSchedule string
}

type AuditConfig struct {
	JSONLPath      string
	RotateMaxBytes int64
}

type RedactionConfig struct {
	Enabled  bool
	Patterns []RegexPattern
}

type RegexPattern struct {
	Name string `mapstructure:"name"`
	Re   string `mapstructure:"re"`
}

type DisplayConfig struct {
	MaxPayloadBytes int
}
