// Package core implements the per-service staging queue, the periodic
// batch persister, and the small enrichment/validation helpers shared by
// the syslog ingest path and the query facade.
package core

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ballcone/ballcone/src/internal/dao"
	"github.com/ballcone/ballcone/src/internal/schema"
)

// validService matches the tightened service-name rule: one or more word
// characters, no whitespace.
var validService = regexp.MustCompile(`^\w+$`)

// Config configures a Core instance.
type Config struct {
	TopLimit      int
	PersistPeriod time.Duration
}

// DefaultConfig matches the source's defaults.
func DefaultConfig() Config {
	return Config{TopLimit: 5, PersistPeriod: 5 * time.Second}
}

// Core owns the per-service staging queues and drives the periodic
// flush to the DAO. The zero value is not usable; construct with New.
type Core struct {
	dao    *dao.DAO
	cfg    Config
	mu     sync.Mutex
	queues map[string][]schema.Record

	ingested    prometheus.Counter
	persisted   *prometheus.CounterVec
	persistLoss *prometheus.CounterVec
	flushes     prometheus.Counter
	queueDepth  *prometheus.GaugeVec
}

// New creates a Core backed by d, registering its metrics with reg (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(d *dao.DAO, cfg Config, reg prometheus.Registerer) *Core {
	if cfg.TopLimit <= 0 {
		cfg.TopLimit = DefaultConfig().TopLimit
	}
	if cfg.PersistPeriod <= 0 {
		cfg.PersistPeriod = DefaultConfig().PersistPeriod
	}

	c := &Core{
		dao:    d,
		cfg:    cfg,
		queues: make(map[string][]schema.Record),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballcone_ingest_records_total",
			Help: "Total number of records accepted onto a staging queue.",
		}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballcone_persisted_records_total",
			Help: "Total number of records successfully persisted, per service.",
		}, []string{"service"}),
		persistLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballcone_persist_failures_total",
			Help: "Total number of records dropped due to a persist failure, per service.",
		}, []string{"service"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballcone_persist_flushes_total",
			Help: "Total number of persist() invocations.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ballcone_queue_depth",
			Help: "Number of records currently staged for a service.",
		}, []string{"service"}),
	}

	if reg != nil {
		reg.MustRegister(c.ingested, c.persisted, c.persistLoss, c.flushes, c.queueDepth)
	}

	return c
}

// TopLimit returns the configured default top-N limit.
func (c *Core) TopLimit() int { return c.cfg.TopLimit }

// DAO exposes the underlying query engine for the query facade and HTTP/
// debug surfaces.
func (c *Core) DAO() *dao.DAO { return c.dao }

// CheckService validates a service name and, if mustExist is true, also
// requires that its table already exists.
func (c *Core) CheckService(ctx context.Context, service string, mustExist bool) bool {
	if service == "" || !validService.MatchString(service) {
		return false
	}
	if !mustExist {
		return true
	}
	exists, err := c.dao.TableExists(ctx, service)
	if err != nil {
		log.Error().Err(err).Str("service", service).Msg("checking table existence")
		return false
	}
	return exists
}

// NormalizeService trims and lowercases a raw service name the way every
// ingest and query path must before using it.
func NormalizeService(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Enqueue validates service, lazily creates its table and queue on first
// use, and appends rec to the tail of its staging queue.
func (c *Core) Enqueue(ctx context.Context, service string, rec schema.Record) error {
	if !c.CheckService(ctx, service, false) {
		return errInvalidService(service)
	}

	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.queues[service]; !ok {
		exists, err := c.dao.TableExists(ctx, service)
		if err != nil {
			return err
		}
		if !exists {
			if err := c.dao.CreateTable(ctx, service); err != nil {
				return err
			}
		}
		c.queues[service] = nil
	}

	c.queues[service] = append(c.queues[service], rec)
	c.ingested.Inc()
	c.queueDepth.WithLabelValues(service).Set(float64(len(c.queues[service])))

	return nil
}

// Persist snapshots and drains every service's queue, writing each
// snapshot to the DAO in one batch. On a database error the records
// already popped from the queue are lost; this is the documented
// at-most-once-loss trade-off of a non-durable staging queue.
func (c *Core) Persist(ctx context.Context) {
	c.flushes.Inc()

	snapshots := c.snapshotAndDrain()

	for service, records := range snapshots {
		if len(records) == 0 {
			continue
		}

		count, err := c.dao.InsertBatch(ctx, service, records)
		if err != nil {
			c.persistLoss.WithLabelValues(service).Add(float64(len(records)))
			log.Error().Err(err).Str("service", service).Int("count", len(records)).
				Msg("persist failed, records dropped")
			continue
		}

		c.persisted.WithLabelValues(service).Add(float64(count))
		log.Debug().Str("service", service).Int("count", count).Msg("persisted records")
	}
}

func (c *Core) snapshotAndDrain() map[string][]schema.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make(map[string][]schema.Record, len(c.queues))
	for service, records := range c.queues {
		snapshots[service] = records
		c.queues[service] = nil
		c.queueDepth.WithLabelValues(service).Set(0)
	}
	return snapshots
}

// PersistTimer runs Persist every PersistPeriod until ctx is cancelled.
// Cancellation aborts the sleep between iterations but never interrupts
// a Persist already in flight.
func (c *Core) PersistTimer(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PersistPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Persist(context.WithoutCancel(ctx))
		}
	}
}

// DaysBefore returns the inclusive [start, stop] window ending at stop
// (today in UTC if zero) spanning `days` calendar days.
func DaysBefore(stop time.Time, days int) (time.Time, time.Time) {
	if stop.IsZero() {
		stop = schema.DateOnly(time.Now())
	} else {
		stop = schema.DateOnly(stop)
	}
	if days <= 0 {
		days = 30
	}
	start := stop.AddDate(0, 0, -(days - 1))
	return start, stop
}

type invalidServiceError string

func (e invalidServiceError) Error() string {
	return "core: invalid service name: " + string(e)
}

func errInvalidService(service string) error {
	return invalidServiceError(service)
}
