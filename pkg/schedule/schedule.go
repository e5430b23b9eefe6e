// Package schedule wires the asynq periodic task manager: per-tenant
// detector scans on each detector's cron, plus the daily data-retention
// sweep. Configs are re-derived from the database every sync interval, so a
// newly connected tenant starts scanning without a restart.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

// retentionCron runs the daily retention sweep at 03:00 UTC, off the peak
// webhook hours of every major billing provider.
const retentionCron = "0 3 * * *"

// Provider derives the periodic task set from active connections.
type Provider struct {
	connections *store.ConnectionStore
	registry    *detect.Registry
	log         *slog.Logger
}

// NewProvider creates a Provider.
func NewProvider(connections *store.ConnectionStore, registry *detect.Registry, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{connections: connections, registry: registry, log: log}
}

// GetConfigs implements asynq.PeriodicTaskConfigProvider: one retention
// entry, plus one entry per (tenant with an active connection, scanning
// detector) on the detector's own cron.
func (p *Provider) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	retention, err := queue.NewRetentionRunTask()
	if err != nil {
		return nil, err
	}
	configs := []*asynq.PeriodicTaskConfig{{Cronspec: retentionCron, Task: retention}}

	conns, err := p.connections.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: list connections: %w", err)
	}
	seen := make(map[string]bool)
	for _, conn := range conns {
		if seen[conn.OrgID] {
			continue
		}
		seen[conn.OrgID] = true

		for _, scanner := range p.registry.Scanners() {
			task, err := queue.NewScanRunTask(queue.ScanRunPayload{
				OrgID:      conn.OrgID,
				DetectorID: scanner.ID(),
			})
			if err != nil {
				return nil, err
			}
			configs = append(configs, &asynq.PeriodicTaskConfig{
				Cronspec: scanner.Schedule(),
				Task:     task,
			})
		}
	}
	p.log.Debug("periodic task configs refreshed", "count", len(configs), "tenants", len(seen))
	return configs, nil
}

// NewManager builds the periodic task manager around the provider.
func NewManager(redisOpt asynq.RedisClientOpt, provider *Provider) (*asynq.PeriodicTaskManager, error) {
	return asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		RedisConnOpt:               redisOpt,
		PeriodicTaskConfigProvider: provider,
		SyncInterval:               5 * time.Minute,
	})
}
