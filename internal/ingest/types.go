package ingest

import (
	"context"
	"encoding/json"
	"time"
)

// Reading is one accepted telemetry sample. Immutable after insert.
type Reading struct {
	ID              string
	DeviceID        string
	Payload         json.RawMessage
	PayloadSize     int
	DeviceTimestamp *time.Time
	ReceivedAt      time.Time
	Simulated       bool
}

// ListOptions filter a reading listing.
type ListOptions struct {
	Limit            int
	Since            *time.Time
	Until            *time.Time
	IncludeSimulated bool
}

// Meta summarizes a device's stored readings.
type Meta struct {
	Total    int
	LatestAt *time.Time
	OldestAt *time.Time
}

// Store persists readings.
type Store interface {
	Create(ctx context.Context, r *Reading) error
	// ListByDevice returns readings newest-first.
	ListByDevice(ctx context.Context, deviceID string, opts ListOptions) ([]*Reading, error)
}
