package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ids"
	"iotguard.dev/internal/obs"
	"iotguard.dev/internal/token"
)

// ErrUnauthorized covers every authentication failure on the ingest path:
// expired or forged tokens and stale token versions all surface the same.
var ErrUnauthorized = errors.New("ingest: unauthorized")

// ErrMalformedPayload indicates the submitted payload is not valid JSON.
var ErrMalformedPayload = errors.New("ingest: malformed payload")

const defaultPageSize = 100

// Service runs the full ingestion path: token verification, version currency
// check, guard admission, insert. Every denial and every accepted reading is
// audited.
type Service struct {
	devices  *device.Service
	guard    *Guard
	readings Store
	issuer   *token.Issuer
	audit    *audit.Recorder
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the ingest service.
func NewService(devices *device.Service, guard *Guard, readings Store, issuer *token.Issuer, rec *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		devices:  devices,
		guard:    guard,
		readings: readings,
		issuer:   issuer,
		audit:    rec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates the device token and admits the reading through the
// guard. The payload size is measured on the compact JSON encoding.
func (s *Service) Ingest(ctx context.Context, rawToken string, payload json.RawMessage, deviceTimestamp *time.Time) (*Reading, error) {
	claims, err := s.issuer.Verify(token.DeviceAccess, rawToken)
	if err != nil {
		s.audit.Record(ctx, audit.ActorDevice, "", "reading_reject", audit.StatusDenied, "invalid device token")
		obs.ReadingsRejected.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	deviceID := claims.Subject

	current, err := s.devices.CheckTokenCurrency(ctx, deviceID, claims.TokenVersion)
	if err != nil {
		return nil, err
	}
	if !current {
		s.audit.Record(ctx, audit.ActorDevice, deviceID, "reading_reject", audit.StatusDenied, "stale token version")
		obs.ReadingsRejected.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}

	compact, err := compactPayload(payload)
	if err != nil {
		s.audit.Record(ctx, audit.ActorDevice, deviceID, "reading_reject", audit.StatusDenied, "malformed payload")
		obs.ReadingsRejected.WithLabelValues("malformed").Inc()
		return nil, ErrMalformedPayload
	}
	size := len(compact)

	now := s.now().UTC()
	if err := s.guard.Admit(ctx, deviceID, size, now); err != nil {
		switch {
		case errors.Is(err, ErrPayloadTooLarge):
			s.audit.Record(ctx, audit.ActorDevice, deviceID, "reading_reject", audit.StatusDenied, "payload over limit")
			obs.ReadingsRejected.WithLabelValues("payload_too_large").Inc()
		case errors.Is(err, ErrRateLimited):
			s.audit.Record(ctx, audit.ActorDevice, deviceID, "reading_rate_limit", audit.StatusDenied, "minimum interval not elapsed")
			obs.ReadingsRejected.WithLabelValues("rate_limited").Inc()
		}
		return nil, err
	}

	r := &Reading{
		ID:              ids.New(),
		DeviceID:        deviceID,
		Payload:         compact,
		PayloadSize:     size,
		DeviceTimestamp: deviceTimestamp,
		ReceivedAt:      now,
	}
	if err := s.readings.Create(ctx, r); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActorDevice, deviceID, "reading_accept", audit.StatusSuccess, "")
	obs.ReadingsAdmitted.Inc()
	return r, nil
}

// Seed inserts readings bypassing guard limits, marking them simulated. Used
// when provisioning a fresh device with sample history.
func (s *Service) Seed(ctx context.Context, deviceID string, samples []*Reading) error {
	for _, r := range samples {
		r.ID = ids.New()
		r.DeviceID = deviceID
		r.Simulated = true
		if r.PayloadSize == 0 {
			r.PayloadSize = len(r.Payload)
		}
		if err := s.readings.Create(ctx, r); err != nil {
			return err
		}
	}
	s.audit.Record(ctx, audit.ActorSystem, deviceID, "reading_seed", audit.StatusSuccess, fmt.Sprintf("%d sample readings", len(samples)))
	return nil
}

// List returns a device's readings with owner-or-admin access control.
func (s *Service) List(ctx context.Context, actor device.Actor, deviceID string, opts ListOptions) ([]*Reading, error) {
	if _, err := s.devices.Get(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > defaultPageSize {
		opts.Limit = defaultPageSize
	}
	return s.readings.ListByDevice(ctx, deviceID, opts)
}

// ReadingsMeta summarizes a device's stored readings.
func (s *Service) ReadingsMeta(ctx context.Context, actor device.Actor, deviceID string, opts ListOptions) (Meta, error) {
	if _, err := s.devices.Get(ctx, actor, deviceID); err != nil {
		return Meta{}, err
	}
	opts.Limit = 0
	readings, err := s.readings.ListByDevice(ctx, deviceID, opts)
	if err != nil {
		return Meta{}, err
	}
	meta := Meta{Total: len(readings)}
	if len(readings) > 0 {
		meta.LatestAt = &readings[0].ReceivedAt
		meta.OldestAt = &readings[len(readings)-1].ReceivedAt
	}
	return meta, nil
}

func compactPayload(payload json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
