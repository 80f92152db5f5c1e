package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

type ingestFixture struct {
	store   *memory.Store
	devices *device.Service
	ingest  *ingest.Service
	issuer  *token.Issuer
	clock   *time.Time
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	current := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f := &ingestFixture{clock: &current}
	now := func() time.Time { return *f.clock }

	issuer, err := token.NewIssuer(
		token.Config{Key: "user-access-test-key", TTL: 15 * time.Minute},
		token.Config{Key: "user-refresh-test-key", TTL: 24 * time.Hour},
		token.Config{Key: "device-access-test-key", TTL: 5 * time.Minute},
		token.WithClock(now),
	)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	f.store = memory.New()
	f.issuer = issuer
	hasher := credential.NewHasher(credential.WithCost(bcrypt.MinCost))
	rec := audit.NewRecorder(f.store.Events(), audit.WithClock(now))
	f.devices = device.NewService(f.store.Devices(), issuer, hasher, rec, device.WithClock(now))
	guard := ingest.NewGuard(f.store.Devices(), 2048, time.Second)
	f.ingest = ingest.NewService(f.devices, guard, f.store.Readings(), issuer, rec, ingest.WithClock(now))
	return f
}

func (f *ingestFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *ingestFixture) registerAndToken(t *testing.T) (*device.Device, string) {
	t.Helper()
	owner := device.Actor{ID: "owner-1"}
	dev, secret, err := f.devices.Register(context.Background(), owner, "Station", "weather_station")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	raw, _, err := f.devices.IssueToken(context.Background(), dev.ID, secret)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return dev, raw
}

// payloadOfSize builds valid JSON whose compact encoding is exactly n bytes.
func payloadOfSize(n int) json.RawMessage {
	const overhead = len(`{"data":""}`)
	return json.RawMessage(fmt.Sprintf(`{"data":%q}`, strings.Repeat("x", n-overhead)))
}

func TestIngestHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, raw := f.registerAndToken(t)

	ts := f.clock.Add(-2 * time.Second)
	reading, err := f.ingest.Ingest(ctx, raw, json.RawMessage(`{"metrics": {"temperature_c": 21.5}}`), &ts)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if reading.DeviceID != dev.ID {
		t.Errorf("device_id = %q, want %q", reading.DeviceID, dev.ID)
	}
	// Stored compact, measured compact.
	if string(reading.Payload) != `{"metrics":{"temperature_c":21.5}}` {
		t.Errorf("payload not compacted: %s", reading.Payload)
	}
	if reading.PayloadSize != len(reading.Payload) {
		t.Errorf("payload_size = %d, want %d", reading.PayloadSize, len(reading.Payload))
	}
	if reading.Simulated {
		t.Error("live reading must not be marked simulated")
	}
}

func TestIngestPayloadBoundary(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	_, raw := f.registerAndToken(t)

	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(2048), nil); err != nil {
		t.Fatalf("2048-byte payload: %v", err)
	}
	f.advance(time.Second)
	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(2049), nil); !errors.Is(err, ingest.ErrPayloadTooLarge) {
		t.Fatalf("2049-byte payload: expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestIngestRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	_, raw := f.registerAndToken(t)

	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); err != nil {
		t.Fatalf("first reading: %v", err)
	}
	f.advance(900 * time.Millisecond)
	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); !errors.Is(err, ingest.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	f.advance(100 * time.Millisecond)
	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); err != nil {
		t.Fatalf("reading after full interval: %v", err)
	}
}

func TestIngestMalformedPayload(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	_, raw := f.registerAndToken(t)

	if _, err := f.ingest.Ingest(ctx, raw, json.RawMessage(`{"broken":`), nil); !errors.Is(err, ingest.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestIngestRejectsForgedToken(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	if _, err := f.ingest.Ingest(ctx, "not-a-token", payloadOfSize(64), nil); !errors.Is(err, ingest.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// A token minted one second before a secret rotation is presented one second
// after it: the not-yet-expired token must be rejected as stale and the
// denial must land in the audit trail.
func TestIngestStaleVersionAfterRotation(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, raw := f.registerAndToken(t)

	f.advance(time.Second)
	if _, err := f.devices.RotateSecret(ctx, device.Actor{ID: "owner-1"}, dev.ID); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	f.advance(time.Second)

	_, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil)
	if !errors.Is(err, ingest.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stale token, got %v", err)
	}

	events, err := f.store.Events().List(ctx, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == "reading_reject" && ev.Status == audit.StatusDenied && ev.ActorID == dev.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a denied audit entry for the stale token")
	}
}

func TestIngestRejectsDeactivatedDevice(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, raw := f.registerAndToken(t)

	if err := f.devices.Deactivate(ctx, device.Actor{ID: "owner-1"}, dev.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); !errors.Is(err, ingest.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSeedBypassesGuardAndMarksSimulated(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, _ := f.registerAndToken(t)

	now := *f.clock
	samples := []*ingest.Reading{
		{Payload: json.RawMessage(`{"n":1}`), ReceivedAt: now},
		{Payload: json.RawMessage(`{"n":2}`), ReceivedAt: now.Add(100 * time.Millisecond)},
	}
	if err := f.ingest.Seed(ctx, dev.ID, samples); err != nil {
		t.Fatalf("seed: %v", err)
	}

	owner := device.Actor{ID: "owner-1"}
	readings, err := f.ingest.List(ctx, owner, dev.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("len = %d, want 2", len(readings))
	}
	for _, r := range readings {
		if !r.Simulated {
			t.Error("seeded reading must be marked simulated")
		}
	}

	// Simulated readings are filtered out on request.
	readings, err = f.ingest.List(ctx, owner, dev.ID, ingest.ListOptions{IncludeSimulated: false})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(readings) != 0 {
		t.Fatalf("len = %d, want 0 with simulated filtered", len(readings))
	}
}

func TestListAccessControl(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, raw := f.registerAndToken(t)

	if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := f.ingest.List(ctx, device.Actor{ID: "stranger"}, dev.ID, ingest.ListOptions{}); !errors.Is(err, device.ErrForbidden) {
		t.Fatalf("stranger list: expected ErrForbidden, got %v", err)
	}
	readings, err := f.ingest.List(ctx, device.Actor{ID: "admin", Admin: true}, dev.ID, ingest.ListOptions{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("len = %d, want 1", len(readings))
	}
}

func TestReadingsMeta(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	dev, raw := f.registerAndToken(t)

	for i := 0; i < 3; i++ {
		if _, err := f.ingest.Ingest(ctx, raw, payloadOfSize(64), nil); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		f.advance(time.Second)
	}

	meta, err := f.ingest.ReadingsMeta(ctx, device.Actor{ID: "owner-1"}, dev.ID, ingest.ListOptions{IncludeSimulated: true})
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Total != 3 {
		t.Errorf("total = %d, want 3", meta.Total)
	}
	if meta.LatestAt == nil || meta.OldestAt == nil {
		t.Fatal("expected latest/oldest timestamps")
	}
	if !meta.LatestAt.After(*meta.OldestAt) {
		t.Errorf("latest %v must be after oldest %v", meta.LatestAt, meta.OldestAt)
	}
}
