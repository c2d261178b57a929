// Package store persists devices and their audit log with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voice-home/internal/domain"
	"voice-home/internal/infra/metrics"
)

type Repo struct {
	db *gorm.DB
}

// Open connects with driver "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&deviceRecord{}, &deviceLogRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) FindByID(ctx context.Context, id uint) (*domain.Device, error) {
	var rec deviceRecord
	err := r.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %d: %w", id, err)
	}
	d := rec.toDomain()
	return &d, nil
}

func (r *Repo) List(ctx context.Context) ([]domain.Device, error) {
	var recs []deviceRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out := make([]domain.Device, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// SaveTransition updates the state only if the device still holds t.From,
// then appends the log entry in the same transaction.
func (r *Repo) SaveTransition(ctx context.Context, t domain.Transition) (*domain.Device, error) {
	var saved deviceRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&deviceRecord{}).
			Where("id = ? AND state = ?", t.DeviceID, string(t.From)).
			Update("state", string(t.To))
		if res.Error != nil {
			return fmt.Errorf("updating device state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&deviceRecord{}).Where("id = ?", t.DeviceID).Count(&count).Error; err != nil {
				return fmt.Errorf("checking device: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("%w: %d", domain.ErrDeviceNotFound, t.DeviceID)
			}
			return fmt.Errorf("%w: device %d is no longer %s", domain.ErrStaleState, t.DeviceID, t.From)
		}

		entry := deviceLogRecord{
			DeviceID:      t.DeviceID,
			Action:        string(t.Action()),
			PreviousState: string(t.From),
			Timestamp:     time.Now().UTC(),
			IPAddress:     domain.NormalizeOrigin(t.Origin),
		}
		if err := tx.Omit("Device").Create(&entry).Error; err != nil {
			return fmt.Errorf("appending device log: %w", err)
		}

		return tx.First(&saved, t.DeviceID).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveTransition(string(t.Action()))
	d := saved.toDomain()
	return &d, nil
}

// ListLogs returns the device's log entries, newest first.
func (r *Repo) ListLogs(ctx context.Context, deviceID uint) ([]domain.DeviceLog, error) {
	if _, err := r.FindByID(ctx, deviceID); err != nil {
		return nil, err
	}
	return r.logs(ctx, r.db.Where("device_id = ?", deviceID))
}

func (r *Repo) AllLogs(ctx context.Context) ([]domain.DeviceLog, error) {
	return r.logs(ctx, r.db)
}

func (r *Repo) logs(ctx context.Context, q *gorm.DB) ([]domain.DeviceLog, error) {
	var recs []deviceLogRecord
	err := q.WithContext(ctx).
		Preload("Device").
		Order("timestamp DESC").
		Order("id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing device logs: %w", err)
	}
	out := make([]domain.DeviceLog, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}
