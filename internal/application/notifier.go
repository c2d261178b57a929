package application

const (
	EventDeviceStateChanged = "device_state_changed"
	EventTempHumidChanged   = "temp_humid_changed"
)

// Observer receives fan-out events. Publish must not block on slow or
// disconnected receivers.
type Observer interface {
	Publish(event string, payload any)
}
