package domain

import (
	"fmt"
	"strings"
	"time"
)

type DeviceState string

const (
	StateOn  DeviceState = "on"
	StateOff DeviceState = "off"
)

func ParseDeviceState(s string) (DeviceState, error) {
	switch DeviceState(strings.ToLower(strings.TrimSpace(s))) {
	case StateOn:
		return StateOn, nil
	case StateOff:
		return StateOff, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

type DeviceAction string

const (
	ActionTurnOn  DeviceAction = "turn_on"
	ActionTurnOff DeviceAction = "turn_off"
)

// ActionFor returns the audit action implied by moving a device into state.
func ActionFor(state DeviceState) DeviceAction {
	if state == StateOn {
		return ActionTurnOn
	}
	return ActionTurnOff
}

// UnknownOrigin is recorded on a log entry when the caller's address is absent.
const UnknownOrigin = "unknown"

type Device struct {
	ID        uint        `json:"id"`
	Name      string      `json:"name"`
	Label     string      `json:"label"`
	Image     string      `json:"image"`
	State     DeviceState `json:"state"`
	CreatedAt time.Time   `json:"createdAt"`
}

type DeviceLog struct {
	ID            uint         `json:"id"`
	DeviceID      uint         `json:"deviceId"`
	Device        string       `json:"device"`
	Action        DeviceAction `json:"action"`
	PreviousState DeviceState  `json:"previousState"`
	Timestamp     time.Time    `json:"timestamp"`
	IPAddress     string       `json:"ipAddress"`
}

// Transition is one committed state change: the write of To and the log
// entry recording From are persisted together.
type Transition struct {
	DeviceID uint
	From     DeviceState
	To       DeviceState
	Origin   string
}

func (t Transition) Action() DeviceAction {
	return ActionFor(t.To)
}

func NormalizeOrigin(origin string) string {
	if strings.TrimSpace(origin) == "" {
		return UnknownOrigin
	}
	return origin
}
