// Package scheduler runs the background dispatch loop: scan the persisted
// events, CAS-publish those whose time has arrived, then nudge the fan-out
// bus. The CAS makes publication exactly-once per event regardless of scan
// overlap; the broadcast after it is best-effort.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geofmureithi/broker/internal/bus"
	"github.com/geofmureithi/broker/internal/store"
	"github.com/geofmureithi/broker/pkg/logging"
	"github.com/geofmureithi/broker/pkg/models"
)

// DefaultInterval is the pause between dispatch cycles
const DefaultInterval = 50 * time.Millisecond

const dispatchConcurrency = 4

// TimeSource yields best-effort wall-clock epoch seconds
type TimeSource interface {
	Now() (int64, error)
}

// Config wires the dispatcher's collaborators
type Config struct {
	Store    *store.Store
	Clock    TimeSource
	Bus      *bus.Bus
	Interval time.Duration
	Logger   logging.Logger
}

// Dispatcher is the long-running publish loop. It terminates only when its
// context is cancelled at process shutdown.
type Dispatcher struct {
	store    *store.Store
	clock    TimeSource
	bus      *bus.Bus
	interval time.Duration
	logger   logging.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type dueEvent struct {
	key   string
	raw   []byte
	event models.Event
}

// New creates a dispatcher
func New(cfg Config) *Dispatcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		store:    cfg.Store,
		clock:    cfg.Clock,
		bus:      cfg.Bus,
		interval: interval,
		logger:   cfg.Logger,
	}
}

// Start blocks running dispatch cycles until the context is cancelled
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	defer d.wg.Done()

	for {
		d.runCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.interval):
		}
	}
}

// Stop cancels the loop and waits for the in-flight cycle
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// runCycle performs one scan-and-publish pass. A failed time lookup skips
// the cycle; due events wait for the next pass.
func (d *Dispatcher) runCycle(ctx context.Context) {
	dispatchCycles.Inc()

	now, err := d.clock.Now()
	if err != nil {
		clockFailures.Inc()
		d.logger.WithError(err).Warn("Skipping dispatch cycle, time source unavailable")
		return
	}

	due, err := d.collectDue(now)
	if err != nil {
		d.logger.WithError(err).Error("Event scan failed")
		return
	}
	dueEvents.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for _, item := range due {
		it := item
		g.Go(func() error {
			d.publish(it)
			return nil
		})
	}
	_ = g.Wait()
}

// collectDue scans for records that are unpublished, not cancelled and at
// or past their scheduled time. The raw stored bytes ride along as the CAS
// expectation.
func (d *Dispatcher) collectDue(now int64) ([]dueEvent, error) {
	var due []dueEvent
	err := d.store.Iter(store.EventPrefix, func(key string, value []byte) error {
		var e models.Event
		if err := json.Unmarshal(value, &e); err != nil {
			d.logger.WithError(err).WithField("key", key).Error("Skipping undecodable event record")
			return nil
		}
		if !e.Published && !e.Cancelled && e.Timestamp <= now {
			due = append(due, dueEvent{key: key, raw: value, event: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// publish flips the published flag under CAS, flushes, then broadcasts. A
// CAS conflict means another scan already claimed the event; the next cycle
// settles any remaining state.
func (d *Dispatcher) publish(item dueEvent) {
	published := item.event
	published.Published = true

	value, err := json.Marshal(&published)
	if err != nil {
		d.logger.WithError(err).WithField("event_id", item.event.ID).Error("Failed to encode published event")
		return
	}

	if err := d.store.CAS(item.key, item.raw, value); err != nil {
		if errors.Is(err, store.ErrCASConflict) {
			d.logger.WithField("event_id", item.event.ID).Debug("Lost publish race, skipping broadcast")
			return
		}
		d.logger.WithError(err).WithField("event_id", item.event.ID).Error("Failed to publish event")
		return
	}
	if err := d.store.Flush(); err != nil {
		d.logger.WithError(err).Warn("Store flush failed after publish")
	}

	d.bus.Broadcast(published)
	publishedTotal.Inc()
	d.logger.WithFields(logging.Fields{
		"event_id":  published.ID,
		"event":     published.Event,
		"tenant_id": published.TenantID,
		"timestamp": published.Timestamp,
	}).Info("Event published")
}
