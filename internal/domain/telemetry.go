package domain

// TelemetryReading is the latest temperature/humidity pair reported by the
// gateway. A nil field means the value is not known.
type TelemetryReading struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

func NewReading(temperature, humidity float64) TelemetryReading {
	return TelemetryReading{Temperature: &temperature, Humidity: &humidity}
}

func (r TelemetryReading) Known() bool {
	return r.Temperature != nil && r.Humidity != nil
}

// Copy returns a reading that shares no pointers with r.
func (r TelemetryReading) Copy() TelemetryReading {
	var out TelemetryReading
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.Humidity != nil {
		h := *r.Humidity
		out.Humidity = &h
	}
	return out
}

type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnClosing      ConnectionState = "closing"
)
