package store

import (
	"time"

	"voice-home/internal/domain"
)

type deviceRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:100;not null"`
	Label     string `gorm:"size:100"`
	Image     string `gorm:"size:255"`
	State     string `gorm:"size:8;not null;default:'off'"`
	CreatedAt time.Time
}

func (deviceRecord) TableName() string { return "devices" }

func (r deviceRecord) toDomain() domain.Device {
	return domain.Device{
		ID:        r.ID,
		Name:      r.Name,
		Label:     r.Label,
		Image:     r.Image,
		State:     domain.DeviceState(r.State),
		CreatedAt: r.CreatedAt,
	}
}

type deviceLogRecord struct {
	ID            uint         `gorm:"primaryKey"`
	DeviceID      uint         `gorm:"index:idx_device_logs_device_ts,priority:1;not null"`
	Device        deviceRecord `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
	Action        string       `gorm:"size:16;not null"`
	PreviousState string       `gorm:"size:8;not null"`
	Timestamp     time.Time    `gorm:"index:idx_device_logs_device_ts,priority:2;not null"`
	IPAddress     string       `gorm:"size:64;not null;default:'unknown'"`
}

func (deviceLogRecord) TableName() string { return "device_logs" }

func (r deviceLogRecord) toDomain() domain.DeviceLog {
	return domain.DeviceLog{
		ID:            r.ID,
		DeviceID:      r.DeviceID,
		Device:        r.Device.Name,
		Action:        domain.DeviceAction(r.Action),
		PreviousState: domain.DeviceState(r.PreviousState),
		Timestamp:     r.Timestamp,
		IPAddress:     r.IPAddress,
	}
}
