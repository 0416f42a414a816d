package models

// PolicyState holds the engine snapshot as JSON, one row per name.
type PolicyState struct {
	Name        string `gorm:"column:name;type:text;primaryKey"`
	Snapshot    string `gorm:"column:snapshot;type:text;not null"`
	ToolVersion int64  `gorm:"column:tool_version;not null"`
	ToolHash    string `gorm:"column:tool_hash;type:text;not null"`
	SavedAtMs   int64  `gorm:"column:saved_at_ms;not null"`
}

func (PolicyState) TableName() string { return "policy_states" }
