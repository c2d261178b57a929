package application

import (
	"context"

	"voice-home/internal/domain"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.Device, error)
	List(ctx context.Context) ([]domain.Device, error)
	// SaveTransition writes t.To and appends the matching log entry as one
	// unit. It fails with domain.ErrStaleState if the device no longer holds t.From.
	SaveTransition(ctx context.Context, t domain.Transition) (*domain.Device, error)
	ListLogs(ctx context.Context, deviceID uint) ([]domain.DeviceLog, error)
	AllLogs(ctx context.Context) ([]domain.DeviceLog, error)
}

// Actuator forwards a state change to the physical device network.
type Actuator interface {
	Control(ctx context.Context, deviceID uint, state domain.DeviceState) error
}

type NoopActuator struct{}

func (NoopActuator) Control(_ context.Context, _ uint, _ domain.DeviceState) error {
	return nil
}
