// Package audit implements the Audit & Alert Manager (component J): a
// buffered, periodically flushed writer of AuditEvents, plus AlertRule
// evaluation over recent events that dispatches Alerts no more than once
// per cooldown window.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datacore/execution-core/infrastructure/logging"
	"github.com/datacore/execution-core/infrastructure/utils"
	"github.com/datacore/execution-core/internal/domain"
)

// Gateway is the persistence seam the Audit Manager needs.
type Gateway interface {
	InsertAuditEvents(ctx context.Context, events []domain.AuditEvent) error
	ListAlertRules(ctx context.Context) ([]domain.AlertRule, error)
	CountAuditEventsSince(ctx context.Context, category domain.AuditCategory, since time.Time) (int, error)
	CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	GetLastAlertFiredAt(ctx context.Context, ruleID string) (*time.Time, error)
}

// Dispatcher sends an Alert out of process (e.g. to the Telemetry Hub's
// alert channel, or an external webhook).
type Dispatcher interface {
	Dispatch(ctx context.Context, alert domain.Alert) error
}

// Config controls buffering and alert evaluation cadence.
type Config struct {
	BufferSize      int
	FlushInterval   time.Duration
	FailureThreshold int
	AlertCooldown   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:       100,
		FlushInterval:    30 * time.Second,
		FailureThreshold: 5,
		AlertCooldown:    60 * time.Second,
	}
}

// Manager buffers AuditEvents in memory and flushes them to the gateway on
// a timer or when the buffer fills, then separately evaluates AlertRules on
// the same cadence.
type Manager struct {
	cfg        Config
	gateway    Gateway
	dispatcher Dispatcher
	logger     *logging.Logger

	mu     sync.Mutex
	buffer []domain.AuditEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, gw Gateway, dispatcher Dispatcher, logger *logging.Logger) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = DefaultConfig().AlertCooldown
	}
	return &Manager{cfg: cfg, gateway: gw, dispatcher: dispatcher, logger: logger, buffer: make([]domain.AuditEvent, 0, cfg.BufferSize)}
}

// Record buffers an AuditEvent, flushing immediately if the buffer is full.
func (m *Manager) Record(ctx context.Context, event domain.AuditEvent) {
	m.mu.Lock()
	m.buffer = append(m.buffer, event)
	full := len(m.buffer) >= m.cfg.BufferSize
	m.mu.Unlock()

	if full {
		m.flush(ctx)
	}
}

func (m *Manager) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.buffer
	m.buffer = make([]domain.AuditEvent, 0, m.cfg.BufferSize)
	m.mu.Unlock()

	if err := m.gateway.InsertAuditEvents(ctx, batch); err != nil {
		m.logger.WithError(err).Error("audit flush failed")
	}
}

// Start begins the flush-and-evaluate timer loop.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	utils.SafeGo(func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				m.flush(context.Background())
				return
			case <-ticker.C:
				m.flush(runCtx)
				m.evaluateAlerts(runCtx)
			}
		}
	}, func(err error) {
		m.logger.WithError(err).Error("audit flush loop panicked")
	})
	return nil
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evaluateAlerts checks every enabled AlertRule's condition against recent
// audit-event counts and dispatches an Alert when the rule fires and its
// cooldown has elapsed.
func (m *Manager) evaluateAlerts(ctx context.Context) {
	rules, err := m.gateway.ListAlertRules(ctx)
	if err != nil {
		m.logger.WithError(err).Error("list alert rules failed")
		return
	}
	now := time.Now()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		since := now.Add(-time.Duration(rule.WindowSecs) * time.Second)
		count, err := m.gateway.CountAuditEventsSince(ctx, domain.AuditCategory(rule.Condition), since)
		if err != nil {
			m.logger.WithError(err).Error("count audit events failed")
			continue
		}
		if float64(count) < rule.Threshold {
			continue
		}

		lastFired, err := m.gateway.GetLastAlertFiredAt(ctx, rule.ID)
		if err == nil && lastFired != nil && now.Sub(*lastFired) < time.Duration(rule.CooldownSecs)*time.Second {
			continue
		}

		alert := domain.Alert{
			RuleID:   rule.ID,
			Severity: severityFor(count, rule.Threshold),
			Message:  fmt.Sprintf("rule %q: %d events in %ds window exceeds threshold %.0f", rule.Name, count, rule.WindowSecs, rule.Threshold),
			FiredAt:  now,
		}
		created, err := m.gateway.CreateAlert(ctx, alert)
		if err != nil {
			m.logger.WithError(err).Error("create alert failed")
			continue
		}
		if m.dispatcher != nil {
			if err := m.dispatcher.Dispatch(ctx, created); err != nil {
				m.logger.WithError(err).Error("dispatch alert failed")
			}
		}
	}
}

func severityFor(count int, threshold float64) domain.AlertSeverity {
	ratio := float64(count) / threshold
	switch {
	case ratio >= 3:
		return domain.SeverityCritical
	case ratio >= 1.5:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
