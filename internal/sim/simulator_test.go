package sim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/credential"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
	"iotguard.dev/internal/store/memory"
	"iotguard.dev/internal/token"
)

func newSimFixture(t *testing.T) (*Simulator, *device.Service, *ingest.Service, *memory.Store) {
	t.Helper()
	issuer, err := token.NewIssuer(
		token.Config{Key: "user-access-test-key", TTL: 15 * time.Minute},
		token.Config{Key: "user-refresh-test-key", TTL: 24 * time.Hour},
		token.Config{Key: "device-access-test-key", TTL: 5 * time.Minute},
	)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	store := memory.New()
	hasher := credential.NewHasher(credential.WithCost(bcrypt.MinCost))
	rec := audit.NewRecorder(store.Events())
	devices := device.NewService(store.Devices(), issuer, hasher, rec)
	guard := ingest.NewGuard(store.Devices(), 2048, time.Second)
	readings := ingest.NewService(devices, guard, store.Readings(), issuer, rec)
	return New(store.Devices(), readings), devices, readings, store
}

func TestTickEmitsForActiveDevices(t *testing.T) {
	ctx := context.Background()
	sim, devices, readings, _ := newSimFixture(t)

	owner := device.Actor{ID: "owner-1"}
	active, _, err := devices.Register(ctx, owner, "Station", "weather_station")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	blocked, _, err := devices.Register(ctx, owner, "Lock", "smart_lock")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := devices.Deactivate(ctx, owner, blocked.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if err := sim.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := readings.List(ctx, owner, active.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one simulated reading, got %d", len(got))
	}
	if !got[0].Simulated {
		t.Error("emitted reading must be flagged simulated")
	}
	var payload map[string]any
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["category"] != "weather_station" {
		t.Errorf("category = %v", payload["category"])
	}

	got, err = readings.List(ctx, owner, blocked.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("deactivated device must stay silent, got %d readings", len(got))
	}
}

func TestTickHonorsEmissionCadence(t *testing.T) {
	ctx := context.Background()
	sim, devices, readings, _ := newSimFixture(t)

	current := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sim.now = func() time.Time { return current }

	owner := device.Actor{ID: "owner-1"}
	dev, _, err := devices.Register(ctx, owner, "Station", "weather_station")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two ticks at the same instant emit once; the second waits out the
	// profile's minimum interval.
	for i := 0; i < 2; i++ {
		if err := sim.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	got, err := readings.List(ctx, owner, dev.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 reading before the cadence window, got %d", len(got))
	}

	// weather_station caps its cadence at 45s.
	current = current.Add(46 * time.Second)
	if err := sim.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err = readings.List(ctx, owner, dev.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 readings after the cadence window, got %d", len(got))
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sim, _, _, _ := newSimFixture(t)
	sim.Start()
	sim.Start()
	sim.Stop()
	sim.Stop()
}
