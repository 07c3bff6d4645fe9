package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"numerusx/internal/models"
	"numerusx/internal/types"
)

// GormStore persists the ledger in postgres. The database must be opened
// with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AppendEntry(ctx context.Context, e types.LedgerEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	row := models.LedgerEntry{
		ID:        e.ID,
		CycleID:   e.CycleID,
		Pair:      e.Pair,
		Action:    string(e.Decision.Action),
		Status:    string(e.Status),
		Reason:    e.Reason,
		Signature: e.Signature,
		Attempts:  len(e.Attempts),
		Timestamp: e.Timestamp,
		Payload:   payload,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *GormStore) AppendResolution(ctx context.Context, r types.Resolution) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode resolution: %w", err)
	}
	row := models.LedgerResolution{
		EntryID:    r.EntryID,
		Pair:       r.Pair,
		Status:     string(r.Status),
		Reason:     r.Reason,
		Signature:  r.Signature,
		ResolvedAt: r.ResolvedAt,
		Payload:    payload,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.LedgerEntry{}).Where("id = ?", r.EntryID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to look up ledger entry: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert resolution: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Replay(ctx context.Context) ([]types.LedgerEntry, []types.Resolution, error) {
	var rows []models.LedgerEntry
	if err := s.db.WithContext(ctx).Order("timestamp ASC, created_at ASC").Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	entries, err := decodeEntries(rows)
	if err != nil {
		return nil, nil, err
	}

	var resRows []models.LedgerResolution
	if err := s.db.WithContext(ctx).Order("resolved_at ASC").Find(&resRows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load resolutions: %w", err)
	}
	resolutions := make([]types.Resolution, 0, len(resRows))
	for _, row := range resRows {
		var r types.Resolution
		if err := json.Unmarshal(row.Payload, &r); err != nil {
			return nil, nil, fmt.Errorf("failed to decode resolution %s: %w", row.EntryID, err)
		}
		resolutions = append(resolutions, r)
	}
	return entries, resolutions, nil
}

func (s *GormStore) ListEntries(ctx context.Context, f Filter) ([]types.LedgerEntry, int64, error) {
	f = f.normalized()
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{})
	if f.Pair != "" {
		query = query.Where("pair = ?", f.Pair)
	}
	if f.Status != "" {
		query = query.Where("status = ?", string(f.Status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	var rows []models.LedgerEntry
	if err := query.Order("timestamp DESC").Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	entries, err := decodeEntries(rows)
	return entries, total, err
}

func (s *GormStore) GetEntry(ctx context.Context, id string) (types.LedgerEntry, error) {
	var row models.LedgerEntry
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.LedgerEntry{}, ErrNotFound
		}
		return types.LedgerEntry{}, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	var e types.LedgerEntry
	if err := json.Unmarshal(row.Payload, &e); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("failed to decode ledger entry %s: %w", row.ID, err)
	}
	return e, nil
}

func (s *GormStore) GetResolution(ctx context.Context, entryID string) (types.Resolution, bool, error) {
	var row models.LedgerResolution
	if err := s.db.WithContext(ctx).First(&row, "entry_id = ?", entryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Resolution{}, false, nil
		}
		return types.Resolution{}, false, fmt.Errorf("failed to get resolution: %w", err)
	}
	var r types.Resolution
	if err := json.Unmarshal(row.Payload, &r); err != nil {
		return types.Resolution{}, false, fmt.Errorf("failed to decode resolution %s: %w", entryID, err)
	}
	return r, true, nil
}

func decodeEntries(rows []models.LedgerEntry) ([]types.LedgerEntry, error) {
	entries := make([]types.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		var e types.LedgerEntry
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry %s: %w", row.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
