package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensing-controlplane/pkg/db/pagination"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store is the persistence contract the engine relies on. Every mutating
// call is a single guarded statement so concurrent callers cannot interleave
// a read and a write on the same record.
type Store interface {
	FindByID(ctx context.Context, id string) (*License, error)
	FindByKeyHash(ctx context.Context, keyHash string) (*License, error)
	FindByOwnerAndType(ctx context.Context, ownerID string, t Type) (*License, error)
	// ListByOwner pages newest first. after is the last row of the previous
	// page, nil for the first one.
	ListByOwner(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]License, error)

	InsertUnique(ctx context.Context, l *License) error
	ApplyDelta(ctx context.Context, id string, d Delta) (*License, error)
	Rekey(ctx context.Context, id string, r Rekey) (*License, error)

	FindExpiredFreeBefore(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error)
	FindQuotaDueForReset(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error)
	BulkDowngrade(ctx context.Context, ids []string, features Features, cutoff time.Time) (int64, error)
	ResetQuota(ctx context.Context, id string, quota int, cutoff, now time.Time) (bool, error)
}

// Delta is a partial update. DecrementRemainingSyncs only applies while the
// license is active with a positive counter, and SetMachineID only while no
// machine is bound. If a guard does not hold the whole delta is rejected with
// ErrPreconditionFailed.
type Delta struct {
	DecrementRemainingSyncs bool
	IncrementTotalUsed      bool
	SetMachineID            *string
	SetStatus               *Status
	SetFeatures             *Features
	SetRemainingSyncs       *int
	SetLastSyncReset        *time.Time
	SetLastValidatedAt      *time.Time
}

func (d Delta) empty() bool {
	return !d.DecrementRemainingSyncs && !d.IncrementTotalUsed && d.SetMachineID == nil &&
		d.SetStatus == nil && d.SetFeatures == nil && d.SetRemainingSyncs == nil &&
		d.SetLastSyncReset == nil && d.SetLastValidatedAt == nil
}

// Rekey replaces the key material and entitlement of a license in one
// statement. Used by upgrades.
type Rekey struct {
	KeyHash        string
	KeyCiphertext  string
	Type           Type
	ValidFrom      time.Time
	ValidTo        time.Time
	Features       Features
	RemainingSyncs int
	LastSyncReset  time.Time
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*License, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormStore) FindByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	return s.first(ctx, "key_hash = ?", keyHash)
}

func (s *GormStore) FindByOwnerAndType(ctx context.Context, ownerID string, t Type) (*License, error) {
	var l License
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND type = ?", ownerID, t).
		Order("created_at DESC").
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by owner: %w", err)
	}
	return &l, nil
}

func (s *GormStore) ListByOwner(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]License, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if after != nil {
		at := after.CreatedAt.UTC()
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, after.ID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []License
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list by owner: %w", err)
	}
	return out, nil
}

func (s *GormStore) first(ctx context.Context, query string, args ...any) (*License, error) {
	var l License
	err := s.db.WithContext(ctx).Where(query, args...).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return &l, nil
}

// InsertUnique relies on the unique indexes on key_hash and key_ciphertext.
// The DB has to be opened with TranslateError so duplicates surface as
// gorm.ErrDuplicatedKey.
func (s *GormStore) InsertUnique(ctx context.Context, l *License) error {
	err := s.db.WithContext(ctx).Create(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *GormStore) ApplyDelta(ctx context.Context, id string, d Delta) (*License, error) {
	if d.empty() {
		return s.FindByID(ctx, id)
	}

	var out *License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&License{}).Where("id = ?", id)
		updates := map[string]any{}

		if d.DecrementRemainingSyncs {
			q = q.Where("remaining_syncs > 0 AND status = ?", StatusActive)
			updates["remaining_syncs"] = gorm.Expr("remaining_syncs - 1")
		} else if d.SetRemainingSyncs != nil {
			updates["remaining_syncs"] = *d.SetRemainingSyncs
		}
		if d.IncrementTotalUsed {
			updates["total_syncs_used"] = gorm.Expr("total_syncs_used + 1")
		}
		if d.SetMachineID != nil {
			q = q.Where("machine_id IS NULL")
			updates["machine_id"] = *d.SetMachineID
		}
		if d.SetStatus != nil {
			updates["status"] = *d.SetStatus
		}
		if d.SetFeatures != nil {
			updates["features"] = datatypes.NewJSONType(*d.SetFeatures)
		}
		if d.SetLastSyncReset != nil {
			updates["last_sync_reset"] = d.SetLastSyncReset.UTC()
		}
		if d.SetLastValidatedAt != nil {
			updates["last_validated_at"] = d.SetLastValidatedAt.UTC()
		}

		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("apply delta: %w", res.Error)
		}

		var l License
		if err := tx.Where("id = ?", id).First(&l).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("reload license: %w", err)
		}
		if res.RowsAffected == 0 {
			return ErrPreconditionFailed
		}
		out = &l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rekey never touches a suspended license; lifting a suspension is an
// administrative action.
func (s *GormStore) Rekey(ctx context.Context, id string, r Rekey) (*License, error) {
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND status <> ?", id, StatusSuspended).
		Updates(map[string]any{
			"key_hash":        r.KeyHash,
			"key_ciphertext":  r.KeyCiphertext,
			"type":            r.Type,
			"status":          StatusActive,
			"valid_from":      r.ValidFrom.UTC(),
			"valid_to":        r.ValidTo.UTC(),
			"features":        datatypes.NewJSONType(r.Features),
			"remaining_syncs": r.RemainingSyncs,
			"last_sync_reset": r.LastSyncReset.UTC(),
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, ErrConflict
	}
	if res.Error != nil {
		return nil, fmt.Errorf("rekey license: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		l, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if l.Status == StatusSuspended {
			return nil, ErrSuspended
		}
		return nil, fmt.Errorf("%w: rekey %s", ErrPreconditionFailed, id)
	}
	return s.FindByID(ctx, id)
}

func (s *GormStore) FindExpiredFreeBefore(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error) {
	var out []License
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ? AND id > ?", TypeFree, StatusActive, cutoff.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find expired free: %w", err)
	}
	return out, nil
}

func (s *GormStore) FindQuotaDueForReset(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error) {
	var out []License
	err := s.db.WithContext(ctx).
		Where("type IN ? AND status = ? AND remaining_syncs = 0 AND last_sync_reset <= ? AND id > ?",
			[]Type{TypeMonthly, TypeYearly}, StatusActive, cutoff.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find quota due: %w", err)
	}
	return out, nil
}

// BulkDowngrade re-checks the downgrade predicate in the UPDATE itself, so a
// batch that races with another sweep only counts the rows it changed.
func (s *GormStore) BulkDowngrade(ctx context.Context, ids []string, features Features, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id IN ? AND type = ? AND status = ? AND created_at < ?", ids, TypeFree, StatusActive, cutoff.UTC()).
		Updates(map[string]any{
			"status":   StatusExpired,
			"features": datatypes.NewJSONType(features),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("bulk downgrade: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ResetQuota(ctx context.Context, id string, quota int, cutoff, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id = ? AND type IN ? AND status = ? AND remaining_syncs = 0 AND last_sync_reset <= ?",
			id, []Type{TypeMonthly, TypeYearly}, StatusActive, cutoff.UTC()).
		Updates(map[string]any{
			"remaining_syncs": quota,
			"last_sync_reset": now.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset quota: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
