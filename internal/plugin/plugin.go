// Package plugin assembles one monitor per configured account and exposes
// their lifecycle and status to the embedding process.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/wristclaw/wristclaw/internal/config"
	"github.com/wristclaw/wristclaw/internal/host"
	"github.com/wristclaw/wristclaw/internal/monitor"
	"github.com/wristclaw/wristclaw/internal/policy"
)

// maintenanceSchedule drives periodic rate-limiter cleanup.
const maintenanceSchedule = "@every 5m"

// Plugin owns every account monitor plus the shared maintenance schedule.
type Plugin struct {
	logger  *slog.Logger
	cfg     config.Config
	runtime host.Runtime

	mu       sync.Mutex
	monitors map[string]*monitor.Monitor
	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// New creates the plugin. The runtime is shared by every monitor.
func New(log *slog.Logger, cfg config.Config, runtime host.Runtime) *Plugin {
	if log == nil {
		log = slog.Default()
	}
	return &Plugin{
		logger:   log.With(slog.String("component", "plugin")),
		cfg:      cfg,
		runtime:  runtime,
		monitors: map[string]*monitor.Monitor{},
	}
}

// Start launches a monitor per account and the maintenance schedule.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("plugin already started")
	}
	if len(p.cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	shared := policy.GlobalDedup()
	for _, account := range p.cfg.Accounts {
		mon := monitor.New(p.logger, account, p.runtime, shared)
		p.monitors[account.ID] = mon
		p.wg.Add(1)
		go func(mon *monitor.Monitor, accountID string) {
			defer p.wg.Done()
			if err := mon.Run(runCtx); err != nil {
				p.logger.Error("monitor exited", slog.String("account", accountID), slog.Any("error", err))
			}
		}(mon, account.ID)
	}

	p.cron = cron.New()
	_, err := p.cron.AddFunc(maintenanceSchedule, p.cleanupRateLimiters)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	p.cron.Start()

	p.started = true
	p.logger.Info("plugin started", slog.Int("accounts", len(p.cfg.Accounts)))
	return nil
}

func (p *Plugin) cleanupRateLimiters() {
	p.mu.Lock()
	monitors := make([]*monitor.Monitor, 0, len(p.monitors))
	for _, mon := range p.monitors {
		monitors = append(monitors, mon)
	}
	p.mu.Unlock()
	for _, mon := range monitors {
		mon.CleanupRateLimiter()
	}
}

// Stop drains every monitor and halts the maintenance schedule. It returns
// once the monitors finish or ctx expires.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cronRunner := p.cron
	cancel := p.cancel
	monitors := make([]*monitor.Monitor, 0, len(p.monitors))
	for _, mon := range p.monitors {
		monitors = append(monitors, mon)
	}
	p.mu.Unlock()

	if cronRunner != nil {
		cronRunner.Stop()
	}
	for _, mon := range monitors {
		mon.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("plugin stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin stop: %w", ctx.Err())
	}
}

// Snapshots returns per-account status ordered by account id.
func (p *Plugin) Snapshots() []monitor.StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]monitor.StatusSnapshot, 0, len(p.monitors))
	for _, mon := range p.monitors {
		items = append(items, mon.Status().Snapshot())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccountID < items[j].AccountID
	})
	return items
}
