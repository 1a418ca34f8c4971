// Package telemetry implements the Telemetry Hub (component K): a roll-up
// store over recent execution/sandbox/connector samples, a simple
// z-score anomaly check, and a gorilla/websocket fan-out of subscription
// channels (metrics, alerts, logs, jobs, system) per spec §6.
package telemetry

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datacore/execution-core/infrastructure/logging"
	inframetrics "github.com/datacore/execution-core/infrastructure/metrics"
)

// Channel is one of the fixed subscription channels §6 defines.
type Channel string

const (
	ChannelMetrics Channel = "metrics"
	ChannelAlerts  Channel = "alerts"
	ChannelLogs    Channel = "logs"
	ChannelJobs    Channel = "jobs"
	ChannelSystem  Channel = "system"
)

// Sample is one numeric observation fed into a named series for roll-up and
// anomaly detection (e.g. "execution.duration_ms", "sandbox.duration_ms").
type Sample struct {
	Series    string
	Value     float64
	Timestamp time.Time
}

// Event is a structured message published to subscribers of a Channel.
type Event struct {
	Channel Channel `json:"channel"`
	Kind    string  `json:"kind"`
	Payload any     `json:"payload"`
}

// Config controls roll-up retention and anomaly sensitivity.
type Config struct {
	RollupInterval    time.Duration
	RetentionWindow   time.Duration
	SubscriberBuffer  int
	AnomalyZThreshold float64
}

func DefaultConfig() Config {
	return Config{
		RollupInterval:    10 * time.Second,
		RetentionWindow:   time.Hour,
		SubscriberBuffer:  64,
		AnomalyZThreshold: 3.0,
	}
}

type series struct {
	samples []Sample
}

// Hub collects samples, rolls them up, and fans out Events to websocket
// subscribers.
type Hub struct {
	cfg     Config
	metrics *inframetrics.Metrics
	logger  *logging.Logger

	mu     sync.Mutex
	series map[string]*series

	subMu       sync.Mutex
	subscribers map[Channel]map[*subscriber]struct{}

	upgrader websocket.Upgrader
}

type subscriber struct {
	ch     chan Event
	closed bool
}

func New(cfg Config, metrics *inframetrics.Metrics, logger *logging.Logger) *Hub {
	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = DefaultConfig().RollupInterval
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultConfig().RetentionWindow
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if cfg.AnomalyZThreshold <= 0 {
		cfg.AnomalyZThreshold = DefaultConfig().AnomalyZThreshold
	}
	return &Hub{
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		series:      map[string]*series{},
		subscribers: map[Channel]map[*subscriber]struct{}{},
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Observe records a sample and checks it against the series' recent mean for
// an anomaly, publishing an alert-channel event if it crosses the z-score
// threshold.
func (h *Hub) Observe(s Sample) {
	h.mu.Lock()
	sr, ok := h.series[s.Series]
	if !ok {
		sr = &series{}
		h.series[s.Series] = sr
	}
	sr.samples = append(sr.samples, s)
	h.trimLocked(sr, s.Timestamp)
	isAnomaly, mean, stddev := h.checkAnomalyLocked(sr, s)
	h.mu.Unlock()

	h.recordPrometheus(s)
	h.publish(ChannelMetrics, "sample", s)
	if isAnomaly {
		h.publish(ChannelAlerts, "anomaly", map[string]any{
			"series": s.Series, "value": s.Value, "mean": mean, "stddev": stddev,
		})
		if h.metrics != nil {
			h.metrics.RecordError("execution-core", "telemetry.anomaly", s.Series)
		}
	}
}

// recordPrometheus mirrors a sample into the matching Metrics collector so
// an operator scrape sees the same data the Hub's own roll-up store does.
// Series not recognized here still land in the roll-up/websocket path; only
// the named series have a corresponding Prometheus collector today.
func (h *Hub) recordPrometheus(s Sample) {
	if h.metrics == nil {
		return
	}
	switch s.Series {
	case "sandbox.duration_ms":
		h.metrics.RecordSandboxEval("execution-core", "observed", time.Duration(s.Value)*time.Millisecond)
	case "gateway.query_duration_ms":
		h.metrics.RecordGatewayQuery("execution-core", "observed", "ok", time.Duration(s.Value)*time.Millisecond)
	}
}

func (h *Hub) trimLocked(sr *series, now time.Time) {
	cutoff := now.Add(-h.cfg.RetentionWindow)
	i := 0
	for ; i < len(sr.samples); i++ {
		if sr.samples[i].Timestamp.After(cutoff) {
			break
		}
	}
	sr.samples = sr.samples[i:]
}

func (h *Hub) checkAnomalyLocked(sr *series, latest Sample) (bool, float64, float64) {
	if len(sr.samples) < 10 {
		return false, 0, 0
	}
	var sum float64
	for _, s := range sr.samples {
		sum += s.Value
	}
	mean := sum / float64(len(sr.samples))
	var variance float64
	for _, s := range sr.samples {
		d := s.Value - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(sr.samples)))
	if stddev == 0 {
		return false, mean, stddev
	}
	z := math.Abs(latest.Value-mean) / stddev
	return z >= h.cfg.AnomalyZThreshold, mean, stddev
}

// Rollup returns the current mean/count for a named series, for the
// `telemetry` query surface.
func (h *Hub) Rollup(seriesName string) (mean float64, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sr, ok := h.series[seriesName]
	if !ok || len(sr.samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range sr.samples {
		sum += s.Value
	}
	return sum / float64(len(sr.samples)), len(sr.samples)
}

func (h *Hub) publish(channel Channel, kind string, payload any) {
	event := Event{Channel: channel, Kind: kind, Payload: payload}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.subscribers[channel] {
		select {
		case sub.ch <- event:
		default:
			// Subscriber is slow; drop rather than block the Hub. Dropped
			// events are not counted.
		}
	}
}

// PublishJob and PublishSystem let the Scheduler/Runner push job- and
// system-scoped events without going through Observe's numeric-sample path.
func (h *Hub) PublishJob(kind string, payload any)    { h.publish(ChannelJobs, kind, payload) }
func (h *Hub) PublishSystem(kind string, payload any) { h.publish(ChannelSystem, kind, payload) }
func (h *Hub) PublishLog(kind string, payload any)    { h.publish(ChannelLogs, kind, payload) }

// ServeWS upgrades an HTTP request to a websocket connection subscribed to
// the channel named by the "channel" query parameter, and streams Events
// until the client disconnects or ctx is cancelled.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channel := Channel(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = ChannelMetrics
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("telemetry websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := &subscriber{ch: make(chan Event, h.cfg.SubscriberBuffer)}
	h.addSubscriber(channel, sub)
	defer h.removeSubscriber(channel, sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) addSubscriber(channel Channel, sub *subscriber) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.subscribers[channel] == nil {
		h.subscribers[channel] = map[*subscriber]struct{}{}
	}
	h.subscribers[channel][sub] = struct{}{}
}

func (h *Hub) removeSubscriber(channel Channel, sub *subscriber) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	delete(h.subscribers[channel], sub)
}

// Start/Shutdown satisfy the ambient graceful-lifecycle contract; the Hub
// itself has no background loop beyond per-connection goroutines owned by
// ServeWS.
func (h *Hub) Start(ctx context.Context) error    { return nil }
func (h *Hub) Shutdown(ctx context.Context) error { return nil }
