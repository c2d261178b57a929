package store

import (
	"context"
	"fmt"

	"voice-home/internal/domain"
)

// DefaultDevices are the four devices the command vocabulary addresses.
// Their ids match domain.Target.DeviceID.
var DefaultDevices = []domain.Device{
	{ID: 1, Name: "Smart Door", Label: "Huge Austdoor", Image: "door.png", State: domain.StateOff},
	{ID: 2, Name: "Smart Light", Label: "Zumtobel", Image: "light.png", State: domain.StateOff},
	{ID: 3, Name: "Smart Curtain", Label: "Modero Curtain", Image: "curtain.png", State: domain.StateOff},
	{ID: 4, Name: "Smart Fan", Label: "Panasonic", Image: "fan.png", State: domain.StateOff},
}

// Seed inserts DefaultDevices into an empty table. It reports how many
// devices it created.
func (r *Repo) Seed(ctx context.Context) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&deviceRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	recs := make([]deviceRecord, 0, len(DefaultDevices))
	for _, d := range DefaultDevices {
		recs = append(recs, deviceRecord{
			ID:    d.ID,
			Name:  d.Name,
			Label: d.Label,
			Image: d.Image,
			State: string(d.State),
		})
	}
	if err := r.db.WithContext(ctx).Create(&recs).Error; err != nil {
		return 0, fmt.Errorf("seeding devices: %w", err)
	}

	// Explicit ids leave the postgres sequence behind.
	if r.db.Dialector.Name() == "postgres" {
		err := r.db.WithContext(ctx).
			Exec("SELECT setval(pg_get_serial_sequence('devices', 'id'), (SELECT MAX(id) FROM devices))").Error
		if err != nil {
			return 0, fmt.Errorf("advancing device id sequence: %w", err)
		}
	}

	return len(recs), nil
}
