package application

import (
	"context"
	"log/slog"
	"time"

	"voice-home/internal/domain"
)

const defaultActuatorTimeout = 3 * time.Second

// FanOut publishes committed changes to observers and forwards them to the
// actuator network.
type FanOut struct {
	observers []Observer
	actuator  Actuator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewFanOut(actuator Actuator, timeout time.Duration, logger *slog.Logger, observers ...Observer) *FanOut {
	if actuator == nil {
		actuator = NoopActuator{}
	}
	if timeout <= 0 {
		timeout = defaultActuatorTimeout
	}
	return &FanOut{
		observers: observers,
		actuator:  actuator,
		timeout:   timeout,
		logger:    logger.With("component", "fanout"),
	}
}

func (f *FanOut) BroadcastDeviceChanged(device domain.Device) {
	f.publish(EventDeviceStateChanged, device)
}

func (f *FanOut) BroadcastTelemetry(reading domain.TelemetryReading) {
	f.publish(EventTempHumidChanged, reading.Copy())
}

func (f *FanOut) publish(event string, payload any) {
	for _, o := range f.observers {
		o.Publish(event, payload)
	}
}

// ForwardControlCommand never reports failure: a committed state change
// stays committed whether or not the physical device answered.
func (f *FanOut) ForwardControlCommand(ctx context.Context, deviceID uint, state domain.DeviceState) {
	f.bestEffort(ctx, "forwarding control command", func(ctx context.Context) error {
		return f.actuator.Control(ctx, deviceID, state)
	}, "device_id", deviceID, "state", state)
}

func (f *FanOut) bestEffort(ctx context.Context, what string, fn func(ctx context.Context) error, attrs ...any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		f.logger.Warn(what+" failed", append(attrs, "error", err)...)
		return
	}
	f.logger.Debug(what+" succeeded", attrs...)
}
