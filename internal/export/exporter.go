// Package export periodically publishes the cluster diagnostic view to an
// external store.
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Source produces the read-only cluster view.
type Source interface {
	Export() *types.ClusterExport
}

// Publisher stores an encoded export.
type Publisher interface {
	Publish(ctx context.Context, coordinatorID string, payload []byte) error
	Close() error
}

// Config holds exporter settings.
type Config struct {
	// Schedule is a cron spec with a seconds field, e.g. "@every 10s".
	Schedule string
	Timeout  time.Duration
}

// DefaultConfig returns the default exporter settings.
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 10s",
		Timeout:  5 * time.Second,
	}
}

// Exporter publishes the export on a cron schedule.
type Exporter struct {
	cfg       Config
	source    Source
	publisher Publisher
	cron      *cron.Cron
	log       *zap.Logger

	mu        sync.Mutex
	published uint64
	lastErr   error
}

// New creates an exporter.
func New(cfg Config, source Source, publisher Publisher) *Exporter {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Exporter{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		cron:      cron.New(cron.WithSeconds()),
		log:       logger.Named("export"),
	}
}

// Encode serialises an export as JSON.
func Encode(e *types.ClusterExport) ([]byte, error) {
	return sonic.Marshal(e)
}

// Decode parses an encoded export.
func Decode(data []byte) (*types.ClusterExport, error) {
	var e types.ClusterExport
	if err := sonic.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Start schedules periodic publishing.
func (e *Exporter) Start() error {
	if _, err := e.cron.AddFunc(e.cfg.Schedule, e.tick); err != nil {
		return fmt.Errorf("invalid export schedule %q: %w", e.cfg.Schedule, err)
	}
	e.cron.Start()
	e.log.Info("exporter started", zap.String("schedule", e.cfg.Schedule))
	return nil
}

// Stop waits for a running publish and closes the publisher.
func (e *Exporter) Stop() error {
	<-e.cron.Stop().Done()
	return e.publisher.Close()
}

// Tick publishes the current export once.
func (e *Exporter) Tick(ctx context.Context) error {
	snapshot := e.source.Export()
	payload, err := Encode(snapshot)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := e.publisher.Publish(ctx, snapshot.CoordinatorID, payload); err != nil {
		return fmt.Errorf("publish export: %w", err)
	}
	return nil
}

// Published returns the number of successful publishes and the last error.
func (e *Exporter) Published() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.lastErr
}

func (e *Exporter) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	err := e.Tick(ctx)

	e.mu.Lock()
	e.lastErr = err
	if err == nil {
		e.published++
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("export failed", zap.Error(err))
	}
}
