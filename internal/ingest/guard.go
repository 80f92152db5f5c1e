package ingest

import (
	"context"
	"errors"
	"time"

	"iotguard.dev/internal/device"
)

// Rejection reasons. Unlike authentication failures these are surfaced with
// the specific reason; rate and size limits are not secrecy-sensitive.
var (
	ErrPayloadTooLarge = errors.New("ingest: payload too large")
	ErrRateLimited     = errors.New("ingest: rate limited")
)

// Guard enforces the payload ceiling and the minimum inter-reading interval.
// It holds no state of its own: the per-device timestamp lives on the device
// row and is advanced through a conditional write, so two readings arriving
// inside the interval can never both be admitted.
type Guard struct {
	maxPayloadBytes int
	minInterval     time.Duration
	devices         device.Store
}

// NewGuard constructs a Guard. Defaults: 2048 byte ceiling, 1 second
// interval.
func NewGuard(devices device.Store, maxPayloadBytes int, minInterval time.Duration) *Guard {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 2048
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Guard{
		maxPayloadBytes: maxPayloadBytes,
		minInterval:     minInterval,
		devices:         devices,
	}
}

// Admit checks the payload size, then claims the device's reading slot. The
// size boundary is inclusive: a payload of exactly the ceiling passes. A
// device with no prior reading always passes the interval check.
func (g *Guard) Admit(ctx context.Context, deviceID string, payloadSize int, now time.Time) error {
	if payloadSize > g.maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	ok, err := g.devices.ClaimReadingSlot(ctx, deviceID, now, g.minInterval)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// MaxPayloadBytes returns the configured ceiling.
func (g *Guard) MaxPayloadBytes() int { return g.maxPayloadBytes }

// MinInterval returns the configured minimum inter-reading interval.
func (g *Guard) MinInterval() time.Duration { return g.minInterval }
