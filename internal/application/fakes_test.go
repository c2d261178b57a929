package application_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"voice-home/internal/application"
	"voice-home/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// timeline records the order of side effects across fakes.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (t *timeline) add(format string, args ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
}

func (t *timeline) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type memRepo struct {
	mu       sync.Mutex
	devices  []domain.Device
	logs     []domain.DeviceLog
	writes   int
	vanished map[uint]bool
	timeline *timeline
}

func newMemRepo(states ...domain.DeviceState) *memRepo {
	r := &memRepo{vanished: map[uint]bool{}}
	for i, s := range states {
		r.devices = append(r.devices, domain.Device{
			ID:    uint(i + 1),
			Name:  fmt.Sprintf("Device %d", i+1),
			State: s,
		})
	}
	return r
}

func (r *memRepo) FindByID(_ context.Context, id uint) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vanished[id] {
		return nil, domain.ErrDeviceNotFound
	}
	for i := range r.devices {
		if r.devices[i].ID == id {
			d := r.devices[i]
			return &d, nil
		}
	}
	return nil, domain.ErrDeviceNotFound
}

func (r *memRepo) List(_ context.Context) ([]domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Device(nil), r.devices...), nil
}

func (r *memRepo) SaveTransition(_ context.Context, t domain.Transition) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		d := &r.devices[i]
		if d.ID != t.DeviceID {
			continue
		}
		if d.State != t.From {
			return nil, domain.ErrStaleState
		}
		d.State = t.To
		r.writes++
		r.logs = append(r.logs, domain.DeviceLog{
			ID:            uint(len(r.logs) + 1),
			DeviceID:      d.ID,
			Device:        d.Name,
			Action:        t.Action(),
			PreviousState: t.From,
			Timestamp:     time.Now(),
			IPAddress:     t.Origin,
		})
		r.timeline.add("commit:%d", d.ID)
		out := *d
		return &out, nil
	}
	return nil, domain.ErrDeviceNotFound
}

func (r *memRepo) ListLogs(_ context.Context, deviceID uint) ([]domain.DeviceLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeviceLog
	for _, l := range r.logs {
		if l.DeviceID == deviceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memRepo) AllLogs(_ context.Context) ([]domain.DeviceLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeviceLog(nil), r.logs...), nil
}

func (r *memRepo) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type published struct {
	event   string
	payload any
}

type recordingObserver struct {
	mu       sync.Mutex
	events   []published
	timeline *timeline
}

func (o *recordingObserver) Publish(event string, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, published{event: event, payload: payload})
	if d, ok := payload.(domain.Device); ok {
		o.timeline.add("publish:%d", d.ID)
	}
}

func (o *recordingObserver) count(event string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeActuator struct {
	mu       sync.Mutex
	calls    []string
	err      error
	block    bool
	timeline *timeline
}

func (a *fakeActuator) Control(ctx context.Context, id uint, state domain.DeviceState) error {
	a.mu.Lock()
	a.calls = append(a.calls, fmt.Sprintf("%d:%s", id, state))
	a.mu.Unlock()
	a.timeline.add("actuate:%d", id)
	if a.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return a.err
}

func (a *fakeActuator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type harness struct {
	repo        *memRepo
	observer    *recordingObserver
	actuator    *fakeActuator
	coordinator *application.Coordinator
	timeline    *timeline
}

func newHarness(states ...domain.DeviceState) *harness {
	tl := &timeline{}
	repo := newMemRepo(states...)
	repo.timeline = tl
	obs := &recordingObserver{timeline: tl}
	act := &fakeActuator{timeline: tl}
	fanout := application.NewFanOut(act, 50*time.Millisecond, discardLogger(), obs)
	return &harness{
		repo:        repo,
		observer:    obs,
		actuator:    act,
		coordinator: application.NewCoordinator(repo, fanout, discardLogger()),
		timeline:    tl,
	}
}
