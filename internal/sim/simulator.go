// Package sim generates synthetic telemetry for active devices so a fresh
// deployment has data to look at. Emitted readings are flagged simulated and
// bypass the ingest guard.
package sim

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
	"iotguard.dev/internal/obs"
)

// Simulator ticks once a second and emits category-shaped payloads for each
// active device on that device's profile cadence.
type Simulator struct {
	devices  device.Store
	readings *ingest.Service
	now      func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	nextEmit map[string]time.Time
	sequence map[string]int
	rngs     map[string]*rand.Rand
}

// New constructs a Simulator.
func New(devices device.Store, readings *ingest.Service) *Simulator {
	return &Simulator{
		devices:  devices,
		readings: readings,
		now:      time.Now,
		nextEmit: make(map[string]time.Time),
		sequence: make(map[string]int),
		rngs:     make(map[string]*rand.Rand),
	}
}

// Start launches the emission loop. Calling Start on a running simulator is a
// no-op.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.mu.Lock()
	s.nextEmit = make(map[string]time.Time)
	s.sequence = make(map[string]int)
	s.rngs = make(map[string]*rand.Rand)
	s.mu.Unlock()
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				obs.LogJSON(map[string]any{
					"level": "warn",
					"msg":   "simulator tick failed",
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Simulator) tick(ctx context.Context) error {
	now := s.now().UTC()
	devices, err := s.devices.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.Status == device.StatusActive {
			active[d.ID] = true
		}
	}
	// Drop per-device state for anything that went inactive.
	for id := range s.nextEmit {
		if !active[id] {
			delete(s.nextEmit, id)
			delete(s.sequence, id)
			delete(s.rngs, id)
		}
	}

	for _, d := range devices {
		if !active[d.ID] {
			continue
		}
		if next, ok := s.nextEmit[d.ID]; ok && next.After(now) {
			continue
		}
		profile := Lookup(d.Category)
		rng := s.rngs[d.ID]
		if rng == nil {
			rng = rand.New(rand.NewSource(seedFor(d.ID)))
			s.rngs[d.ID] = rng
		}
		seq := s.sequence[d.ID]

		payload := profile.Generate(rng, now, seq)
		payload["category"] = profile.Slug
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		ts := now
		sample := &ingest.Reading{
			Payload:         raw,
			DeviceTimestamp: &ts,
			ReceivedAt:      now,
		}
		if err := s.readings.Seed(ctx, d.ID, []*ingest.Reading{sample}); err != nil {
			return err
		}

		s.sequence[d.ID] = seq + 1
		interval := profile.MinInterval
		if profile.MaxInterval > profile.MinInterval {
			interval += rng.Intn(profile.MaxInterval - profile.MinInterval + 1)
		}
		s.nextEmit[d.ID] = now.Add(time.Duration(interval) * time.Second)
	}
	return nil
}

// seedFor derives a stable per-device seed so restarts replay comparable
// series.
func seedFor(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id + "-sim"))
	return int64(h.Sum64())
}
