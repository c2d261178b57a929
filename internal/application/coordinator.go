package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"voice-home/internal/domain"
)

// Change is the result of a single-device request. Changed is false when the
// device already held the desired state and nothing was written.
type Change struct {
	Device  domain.Device
	Changed bool
}

func (c Change) Notice() string {
	if c.Changed {
		return ""
	}
	return fmt.Sprintf("Device %d is already in state %s. No update needed.", c.Device.ID, strings.ToUpper(string(c.Device.State)))
}

type BulkChange struct {
	State          domain.DeviceState
	AlreadyInState bool
	Changes        []Change
}

func (b BulkChange) Notice() string {
	if !b.AlreadyInState {
		return ""
	}
	return fmt.Sprintf("All devices are already in state %s. No update needed.", strings.ToUpper(string(b.State)))
}

func (b BulkChange) Devices() []domain.Device {
	out := make([]domain.Device, 0, len(b.Changes))
	for _, c := range b.Changes {
		out = append(out, c.Device)
	}
	return out
}

// Coordinator applies guarded state transitions. Every transition re-reads
// the device, writes only on an actual change, and publishes after commit.
type Coordinator struct {
	repo   DeviceRepository
	fanout *FanOut
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewCoordinator(repo DeviceRepository, fanout *FanOut, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:   repo,
		fanout: fanout,
		logger: logger.With("component", "coordinator"),
		locks:  make(map[uint]*sync.Mutex),
	}
}

func (c *Coordinator) lock(id uint) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Coordinator) ApplySingle(ctx context.Context, id uint, desired domain.DeviceState, origin string) (Change, error) {
	unlock := c.lock(id)
	defer unlock()

	device, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return Change{}, fmt.Errorf("loading device %d: %w", id, err)
	}

	if device.State == desired {
		c.logger.Info("device already in desired state", "device_id", id, "state", desired)
		return Change{Device: *device}, nil
	}

	updated, err := c.repo.SaveTransition(ctx, domain.Transition{
		DeviceID: id,
		From:     device.State,
		To:       desired,
		Origin:   domain.NormalizeOrigin(origin),
	})
	if err != nil {
		return Change{}, fmt.Errorf("saving transition for device %d: %w", id, err)
	}

	c.logger.Info("device state changed",
		"device_id", id,
		"from", device.State,
		"to", desired,
		"origin", domain.NormalizeOrigin(origin),
	)

	c.fanout.BroadcastDeviceChanged(*updated)
	c.fanout.ForwardControlCommand(ctx, id, desired)

	return Change{Device: *updated, Changed: true}, nil
}

// ApplyBulk moves every device into desired, one device at a time in the
// repository's listing order.
func (c *Coordinator) ApplyBulk(ctx context.Context, desired domain.DeviceState, origin string) (BulkChange, error) {
	devices, err := c.repo.List(ctx)
	if err != nil {
		return BulkChange{}, fmt.Errorf("listing devices: %w", err)
	}

	result := BulkChange{State: desired}

	allMatch := true
	for _, d := range devices {
		if d.State != desired {
			allMatch = false
			break
		}
	}
	if allMatch {
		c.logger.Info("all devices already in desired state", "state", desired, "devices", len(devices))
		result.AlreadyInState = true
		return result, nil
	}

	result.Changes = make([]Change, 0, len(devices))
	for _, d := range devices {
		change, err := c.ApplySingle(ctx, d.ID, desired, origin)
		if errors.Is(err, domain.ErrDeviceNotFound) {
			c.logger.Error("device vanished during bulk update",
				"device_id", d.ID,
				"state", desired,
				"applied", len(result.Changes),
				"total", len(devices),
				"error", err,
			)
			return BulkChange{}, fmt.Errorf("%w: device %d: %v", domain.ErrInconsistentState, d.ID, err)
		}
		if err != nil {
			return BulkChange{}, err
		}
		result.Changes = append(result.Changes, change)
	}

	return result, nil
}
