package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/datacore/execution-core/infrastructure/logging"
	"github.com/datacore/execution-core/internal/domain"
)

type fakeGateway struct {
	mu           sync.Mutex
	inserted     []domain.AuditEvent
	rules        []domain.AlertRule
	eventCount   int
	alertsCreated []domain.Alert
	lastFired    map[string]*time.Time
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{lastFired: map[string]*time.Time{}}
}

func (g *fakeGateway) InsertAuditEvents(ctx context.Context, events []domain.AuditEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserted = append(g.inserted, events...)
	return nil
}

func (g *fakeGateway) ListAlertRules(ctx context.Context) ([]domain.AlertRule, error) {
	return g.rules, nil
}

func (g *fakeGateway) CountAuditEventsSince(ctx context.Context, category domain.AuditCategory, since time.Time) (int, error) {
	return g.eventCount, nil
}

func (g *fakeGateway) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	alert.ID = "alert-1"
	g.alertsCreated = append(g.alertsCreated, alert)
	return alert, nil
}

func (g *fakeGateway) GetLastAlertFiredAt(ctx context.Context, ruleID string) (*time.Time, error) {
	return g.lastFired[ruleID], nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	dispatched []domain.Alert
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, alert domain.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, alert)
	return nil
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "json")
}

func TestRecordFlushesWhenBufferFull(t *testing.T) {
	gw := newFakeGateway()
	m := New(Config{BufferSize: 2, FlushInterval: time.Hour}, gw, nil, testLogger())

	m.Record(context.Background(), domain.AuditEvent{ID: "1"})
	if len(gw.inserted) != 0 {
		t.Fatalf("Record() should not flush before the buffer is full, inserted = %d", len(gw.inserted))
	}
	m.Record(context.Background(), domain.AuditEvent{ID: "2"})
	if len(gw.inserted) != 2 {
		t.Fatalf("Record() should flush once the buffer fills, inserted = %d, want 2", len(gw.inserted))
	}
}

func TestEvaluateAlertsFiresAboveThreshold(t *testing.T) {
	gw := newFakeGateway()
	gw.rules = []domain.AlertRule{
		{ID: "rule-1", Name: "too many failures", Condition: "execution", Threshold: 5, WindowSecs: 60, CooldownSecs: 900, Enabled: true},
	}
	gw.eventCount = 10
	disp := &fakeDispatcher{}
	m := New(DefaultConfig(), gw, disp, testLogger())

	m.evaluateAlerts(context.Background())

	if len(gw.alertsCreated) != 1 {
		t.Fatalf("evaluateAlerts() created %d alerts, want 1", len(gw.alertsCreated))
	}
	if len(disp.dispatched) != 1 {
		t.Fatalf("evaluateAlerts() dispatched %d alerts, want 1", len(disp.dispatched))
	}
	if disp.dispatched[0].Severity != domain.SeverityWarning {
		t.Fatalf("evaluateAlerts() severity = %v, want warning for a 2x threshold breach", disp.dispatched[0].Severity)
	}
}

func TestEvaluateAlertsSkipsBelowThreshold(t *testing.T) {
	gw := newFakeGateway()
	gw.rules = []domain.AlertRule{
		{ID: "rule-1", Condition: "execution", Threshold: 100, WindowSecs: 60, CooldownSecs: 900, Enabled: true},
	}
	gw.eventCount = 3
	disp := &fakeDispatcher{}
	m := New(DefaultConfig(), gw, disp, testLogger())

	m.evaluateAlerts(context.Background())

	if len(gw.alertsCreated) != 0 {
		t.Fatalf("evaluateAlerts() should not fire below threshold, created = %d", len(gw.alertsCreated))
	}
}

func TestEvaluateAlertsSkipsDisabledRule(t *testing.T) {
	gw := newFakeGateway()
	gw.rules = []domain.AlertRule{
		{ID: "rule-1", Condition: "execution", Threshold: 1, WindowSecs: 60, CooldownSecs: 900, Enabled: false},
	}
	gw.eventCount = 99
	m := New(DefaultConfig(), gw, nil, testLogger())

	m.evaluateAlerts(context.Background())

	if len(gw.alertsCreated) != 0 {
		t.Fatalf("evaluateAlerts() should skip a disabled rule, created = %d", len(gw.alertsCreated))
	}
}

func TestEvaluateAlertsRespectsCooldown(t *testing.T) {
	gw := newFakeGateway()
	gw.rules = []domain.AlertRule{
		{ID: "rule-1", Condition: "execution", Threshold: 1, WindowSecs: 60, CooldownSecs: 900, Enabled: true},
	}
	gw.eventCount = 5
	recent := time.Now().Add(-time.Minute)
	gw.lastFired["rule-1"] = &recent
	m := New(DefaultConfig(), gw, nil, testLogger())

	m.evaluateAlerts(context.Background())

	if len(gw.alertsCreated) != 0 {
		t.Fatalf("evaluateAlerts() should respect an unexpired cooldown, created = %d", len(gw.alertsCreated))
	}
}

func TestSeverityForRatios(t *testing.T) {
	cases := []struct {
		count     int
		threshold float64
		want      domain.AlertSeverity
	}{
		{count: 6, threshold: 5, want: domain.SeverityInfo},
		{count: 8, threshold: 5, want: domain.SeverityWarning},
		{count: 20, threshold: 5, want: domain.SeverityCritical},
	}
	for _, tc := range cases {
		got := severityFor(tc.count, tc.threshold)
		if got != tc.want {
			t.Errorf("severityFor(%d, %v) = %v, want %v", tc.count, tc.threshold, got, tc.want)
		}
	}
}
