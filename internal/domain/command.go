package domain

type Target string

const (
	TargetDoor    Target = "door"
	TargetLight   Target = "light"
	TargetCurtain Target = "curtain"
	TargetFan     Target = "fan"
)

var targetDeviceIDs = map[Target]uint{
	TargetDoor:    1,
	TargetLight:   2,
	TargetCurtain: 3,
	TargetFan:     4,
}

// DeviceID returns the persisted device the target addresses.
func (t Target) DeviceID() (uint, bool) {
	id, ok := targetDeviceIDs[t]
	return id, ok
}

const (
	CodeUnrecognized = -1
	CodeAllOn        = 9
	CodeAllOff       = 10
)

type CommandMapping struct {
	Target      Target
	State       DeviceState
	Description string
}

var commandTable = map[int]CommandMapping{
	1: {TargetDoor, StateOn, "Open the door"},
	2: {TargetDoor, StateOff, "Close the door"},
	3: {TargetLight, StateOn, "Turn on the light"},
	4: {TargetLight, StateOff, "Turn off the light"},
	5: {TargetCurtain, StateOn, "Open the curtain"},
	6: {TargetCurtain, StateOff, "Close the curtain"},
	7: {TargetFan, StateOn, "Turn on the fan"},
	8: {TargetFan, StateOff, "Turn off the fan"},
}

// ResolvedCommand is one of SingleDevice, BulkAll or Unrecognized.
type ResolvedCommand interface {
	commandCode() int
}

type SingleDevice struct {
	Code   int
	Target Target
	State  DeviceState
}

type BulkAll struct {
	Code  int
	State DeviceState
}

type Unrecognized struct {
	Code int
}

func (c SingleDevice) commandCode() int { return c.Code }
func (c BulkAll) commandCode() int      { return c.Code }
func (c Unrecognized) commandCode() int { return c.Code }

// CommandCode reports the code a resolved command was produced from.
func CommandCode(c ResolvedCommand) int {
	return c.commandCode()
}

// Resolve maps a command code onto the fixed vocabulary. Only exact matches
// count; anything else is Unrecognized.
func Resolve(code int) ResolvedCommand {
	switch code {
	case CodeAllOn:
		return BulkAll{Code: code, State: StateOn}
	case CodeAllOff:
		return BulkAll{Code: code, State: StateOff}
	}
	if m, ok := commandTable[code]; ok {
		return SingleDevice{Code: code, Target: m.Target, State: m.State}
	}
	return Unrecognized{Code: code}
}

func DescribeCommand(code int) string {
	switch code {
	case CodeAllOn:
		return "Turn on all devices"
	case CodeAllOff:
		return "Turn off all devices"
	}
	if m, ok := commandTable[code]; ok {
		return m.Description
	}
	return "Command not recognized"
}
