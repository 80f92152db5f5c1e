package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/device"
)

func TestRevokeIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()
	tokens := store.RefreshTokens()

	rec := &auth.RefreshToken{
		ID:        "tok-1",
		UserID:    "user-1",
		TokenHash: "hash",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	if err := tokens.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tokens.Revoke(ctx, "tok-1")
			if err != nil {
				t.Errorf("revoke: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestClaimReadingSlotSerializesPerDevice(t *testing.T) {
	ctx := context.Background()
	store := New()
	devices := store.Devices()

	now := time.Now().UTC()
	if err := devices.Create(ctx, &device.Device{
		ID:           "dev-1",
		Name:         "d",
		Category:     "weather_station",
		OwnerID:      "o",
		Status:       device.StatusActive,
		SecretHash:   "h",
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// All claims use the same instant: at most one may win.
	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := devices.ClaimReadingSlot(ctx, "dev-1", now, time.Second)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestFindReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	devices := store.Devices()

	now := time.Now().UTC()
	if err := devices.Create(ctx, &device.Device{
		ID: "dev-1", Name: "original", Category: "c", OwnerID: "o",
		Status: device.StatusActive, SecretHash: "h", TokenVersion: 1,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := devices.Find(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got.Name = "mutated"

	again, err := devices.Find(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if again.Name != "original" {
		t.Fatal("mutating a returned device leaked into the store")
	}
}

func TestBumpVersionNotFound(t *testing.T) {
	store := New()
	if _, err := store.Devices().BumpVersion(context.Background(), "missing", device.SecurityUpdate{}); err != device.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
