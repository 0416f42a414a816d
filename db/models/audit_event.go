package models

type AuditEvent struct {
	Seq         uint64 `gorm:"column:seq;primaryKey;autoIncrement"`
	EventID     string `gorm:"column:event_id;type:text;not null;uniqueIndex:uniq_audit_event_id"`
	EventType   string `gorm:"column:event_type;type:text;not null;index:idx_audit_type_created,priority:1"`
	Actor       string `gorm:"column:actor;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_audit_type_created,priority:2"`
	Previous    string `gorm:"column:previous;type:text;not null"`
	Next        string `gorm:"column:next;type:text;not null"`
	ChangedKeys string `gorm:"column:changed_keys;type:text;not null"`
	Version     int64  `gorm:"column:version;not null"`
	Hash        string `gorm:"column:hash;type:text"`
}

func (AuditEvent) TableName() string { return "audit_events" }
