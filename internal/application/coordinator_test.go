package application_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"voice-home/internal/application"
	"voice-home/internal/domain"
)

func TestCoordinator_ApplySingleIsIdempotent(t *testing.T) {
	h := newHarness(domain.StateOff)
	ctx := context.Background()

	first, err := h.coordinator.ApplySingle(ctx, 1, domain.StateOn, "10.0.0.2")
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !first.Changed {
		t.Fatal("first apply should change the device")
	}

	second, err := h.coordinator.ApplySingle(ctx, 1, domain.StateOn, "10.0.0.2")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Changed {
		t.Error("second apply should be a no-op")
	}
	if second.Notice() == "" {
		t.Error("no-op should carry a notice")
	}

	if got := h.repo.logCount(); got != 1 {
		t.Errorf("log entries: got %d, want 1", got)
	}
	if got := h.observer.count(application.EventDeviceStateChanged); got != 1 {
		t.Errorf("broadcasts: got %d, want 1", got)
	}
	if got := h.actuator.callCount(); got != 1 {
		t.Errorf("actuator calls: got %d, want 1", got)
	}
}

func TestCoordinator_RoundTripLogsPreviousState(t *testing.T) {
	h := newHarness(domain.StateOff)
	ctx := context.Background()

	if _, err := h.coordinator.ApplySingle(ctx, 1, domain.StateOn, ""); err != nil {
		t.Fatalf("turning on: %v", err)
	}
	last, err := h.coordinator.ApplySingle(ctx, 1, domain.StateOff, "")
	if err != nil {
		t.Fatalf("turning off: %v", err)
	}

	logs, _ := h.repo.AllLogs(ctx)
	if len(logs) != 2 {
		t.Fatalf("log entries: got %d, want 2", len(logs))
	}
	if logs[0].PreviousState != domain.StateOff || logs[0].Action != domain.ActionTurnOn {
		t.Errorf("first log: got (%s, %s)", logs[0].Action, logs[0].PreviousState)
	}
	if logs[1].PreviousState != domain.StateOn || logs[1].Action != domain.ActionTurnOff {
		t.Errorf("second log: got (%s, %s)", logs[1].Action, logs[1].PreviousState)
	}
	if logs[0].IPAddress != domain.UnknownOrigin {
		t.Errorf("origin: got %q, want %q", logs[0].IPAddress, domain.UnknownOrigin)
	}
	if last.Device.State != domain.StateOff {
		t.Errorf("final state: got %s, want off", last.Device.State)
	}
}

func TestCoordinator_DeviceNotFound(t *testing.T) {
	h := newHarness(domain.StateOff)

	_, err := h.coordinator.ApplySingle(context.Background(), 99, domain.StateOn, "")
	if !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("got %v, want ErrDeviceNotFound", err)
	}
	if h.repo.writeCount() != 0 {
		t.Error("no write expected for a missing device")
	}
}

func TestCoordinator_BroadcastFollowsCommit(t *testing.T) {
	h := newHarness(domain.StateOff)

	if _, err := h.coordinator.ApplySingle(context.Background(), 1, domain.StateOn, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := []string{"commit:1", "publish:1", "actuate:1"}
	if got := h.timeline.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
}

func TestCoordinator_ActuatorFailureIsSwallowed(t *testing.T) {
	h := newHarness(domain.StateOff)
	h.actuator.err = errors.New("connection refused")

	change, err := h.coordinator.ApplySingle(context.Background(), 1, domain.StateOn, "")
	if err != nil {
		t.Fatalf("actuator failure leaked to caller: %v", err)
	}
	if !change.Changed || change.Device.State != domain.StateOn {
		t.Errorf("state write should stand: %+v", change)
	}
}

func TestCoordinator_BulkAppliesOnlyMismatchedDevices(t *testing.T) {
	h := newHarness(domain.StateOn, domain.StateOff, domain.StateOff)
	ctx := context.Background()

	bulk, err := h.coordinator.ApplyBulk(ctx, domain.StateOn, "10.0.0.9")
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if bulk.AlreadyInState {
		t.Fatal("bulk should not short-circuit")
	}
	if len(bulk.Changes) != 3 {
		t.Fatalf("changes: got %d, want 3", len(bulk.Changes))
	}
	if bulk.Changes[0].Changed {
		t.Error("device 1 was already on and must be untouched")
	}

	if got := h.repo.writeCount(); got != 2 {
		t.Errorf("writes: got %d, want 2", got)
	}
	logs, _ := h.repo.AllLogs(ctx)
	if len(logs) != 2 {
		t.Fatalf("logs: got %d, want 2", len(logs))
	}
	for i, l := range logs {
		wantID := uint(i + 2)
		if l.DeviceID != wantID || l.Action != domain.ActionTurnOn || l.PreviousState != domain.StateOff {
			t.Errorf("log %d: got device %d (%s, prev %s)", i, l.DeviceID, l.Action, l.PreviousState)
		}
	}
	if n, _ := h.repo.ListLogs(ctx, 1); len(n) != 0 {
		t.Error("device 1 should have no log entry")
	}

	want := []string{"commit:2", "publish:2", "actuate:2", "commit:3", "publish:3", "actuate:3"}
	if got := h.timeline.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("bulk order: got %v, want %v", got, want)
	}
}

func TestCoordinator_BulkShortCircuitsWhenAllMatch(t *testing.T) {
	h := newHarness(domain.StateOff, domain.StateOff)

	bulk, err := h.coordinator.ApplyBulk(context.Background(), domain.StateOff, "")
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if !bulk.AlreadyInState {
		t.Fatal("expected already-in-state notice")
	}
	if bulk.Notice() != "All devices are already in state OFF. No update needed." {
		t.Errorf("notice: %q", bulk.Notice())
	}
	if h.repo.writeCount() != 0 || h.observer.count(application.EventDeviceStateChanged) != 0 {
		t.Error("short-circuit must not write or broadcast")
	}
}

func TestCoordinator_BulkVanishedDeviceIsConsistencyError(t *testing.T) {
	h := newHarness(domain.StateOff, domain.StateOff)
	h.repo.vanished[2] = true

	_, err := h.coordinator.ApplyBulk(context.Background(), domain.StateOn, "")
	if !errors.Is(err, domain.ErrInconsistentState) {
		t.Fatalf("got %v, want ErrInconsistentState", err)
	}
}

func TestCoordinator_ConcurrentRequestsLogOnce(t *testing.T) {
	h := newHarness(domain.StateOff)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coordinator.ApplySingle(context.Background(), 1, domain.StateOn, ""); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.repo.logCount(); got != 1 {
		t.Errorf("log entries: got %d, want 1", got)
	}
}
