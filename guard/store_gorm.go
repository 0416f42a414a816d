package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quailyquaily/airlock/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const policyStateName = "current"

// GormStore persists the policy snapshot and the audit log in the airlock
// database. It implements both PolicyStore and AuditLog.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) LoadPolicy(ctx context.Context) (PolicySnapshot, bool, error) {
	if s == nil || s.DB == nil {
		return PolicySnapshot{}, false, nil
	}
	var row models.PolicyState
	err := s.DB.WithContext(ctx).Where("name = ?", policyStateName).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PolicySnapshot{}, false, nil
		}
		return PolicySnapshot{}, false, err
	}
	var snap PolicySnapshot
	if err := json.Unmarshal([]byte(row.Snapshot), &snap); err != nil {
		return PolicySnapshot{}, false, fmt.Errorf("decode policy snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *GormStore) SavePolicy(ctx context.Context, snap PolicySnapshot) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("nil gorm store")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	row := models.PolicyState{
		Name:        policyStateName,
		Snapshot:    string(raw),
		ToolVersion: snap.Tool.Version,
		ToolHash:    snap.Tool.Hash,
		SavedAtMs:   time.Now().UTC().UnixMilli(),
	}
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot", "tool_version", "tool_hash", "saved_at_ms"}),
		}).
		Create(&row).Error
}

func (s *GormStore) Record(ctx context.Context, e AuditEvent) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("nil gorm store")
	}
	keys, err := json.Marshal(e.Metadata.ChangedKeys)
	if err != nil {
		return err
	}
	row := models.AuditEvent{
		EventID:     e.ID,
		EventType:   string(e.EventType),
		Actor:       e.Actor,
		CreatedAtMs: e.CreatedAt.UTC().UnixMilli(),
		Previous:    string(e.Previous),
		Next:        string(e.Next),
		ChangedKeys: string(keys),
		Version:     e.Metadata.Version,
		Hash:        e.Metadata.Hash,
	}
	return s.DB.WithContext(ctx).Create(&row).Error
}

// List returns the most recent events first.
func (s *GormStore) List(ctx context.Context, limit int) ([]AuditEvent, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	var rows []models.AuditEvent
	err := s.DB.WithContext(ctx).
		Order("seq DESC").
		Limit(clampAuditLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := auditRowToEvent(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func auditRowToEvent(r models.AuditEvent) (AuditEvent, error) {
	keys := []string{}
	if r.ChangedKeys != "" {
		if err := json.Unmarshal([]byte(r.ChangedKeys), &keys); err != nil {
			return AuditEvent{}, fmt.Errorf("decode changed keys for %s: %w", r.EventID, err)
		}
	}
	return AuditEvent{
		ID:        r.EventID,
		EventType: AuditEventType(r.EventType),
		Actor:     r.Actor,
		CreatedAt: time.UnixMilli(r.CreatedAtMs).UTC(),
		Previous:  json.RawMessage(r.Previous),
		Next:      json.RawMessage(r.Next),
		Metadata: AuditMetadata{
			ChangedKeys: keys,
			Version:     r.Version,
			Hash:        r.Hash,
		},
	}, nil
}
