package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SettlementReasonDeadlineExceeded     = "deadline_exceeded"
	SettlementReasonTransport            = "transport"
	SettlementReasonDBLockTimeout        = "db_lock_timeout"
	SettlementReasonSerializationFailure = "serialization_failure"
	SettlementReasonUniqueViolation      = "unique_violation"
	SettlementReasonDB                   = "db"
	SettlementReasonUnknown              = "unknown"
)

// SettlementMetrics captures settlement worker health for alerting on backlog.
type SettlementMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobTimeouts     *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submitDuration  prometheus.Histogram
	escalations     prometheus.Counter
	backlogTicks    prometheus.Gauge
	pendingBatches  prometheus.Gauge
	runLoopLag      prometheus.Histogram
	walFlushes      *prometheus.CounterVec
	walFlushRecords prometheus.Counter
}

var (
	settlementMetricsOnce sync.Once
	settlementMetrics     *SettlementMetrics
)

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	return SettlementWithConfig(Config{})
}

// SettlementWithConfig returns the singleton registry using config labels.
func SettlementWithConfig(cfg Config) *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementMetrics = newSettlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return settlementMetrics
}

// ResetSettlementMetricsForTest resets the singleton for tests.
func ResetSettlementMetricsForTest() {
	settlementMetricsOnce = sync.Once{}
	settlementMetrics = nil
}

// NewSettlementMetricsForTest builds an unshared registry.
func NewSettlementMetricsForTest(registerer prometheus.Registerer) *SettlementMetrics {
	return newSettlementMetrics(registerer, Config{ServiceName: "vilokanam", Environment: "test"})
}

func newSettlementMetrics(registerer prometheus.Registerer, cfg Config) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "vilokanam"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &SettlementMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vilokanam_settlement_job_runs_total",
			Help:        "Total settlement job runs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "vilokanam_settlement_job_duration_seconds",
			Help:        "Settlement job duration in seconds.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vilokanam_settlement_job_timeouts_total",
			Help:        "Total settlement job timeouts.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vilokanam_settlement_job_errors_total",
			Help:        "Total settlement job errors by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vilokanam_settlement_submissions_total",
			Help:        "Ledger submissions by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "vilokanam_settlement_submit_duration_seconds",
			Help:        "Ledger submission round trip in seconds.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vilokanam_settlement_escalations_total",
			Help:        "Batches that exhausted their attempt budget.",
			ConstLabels: constLabels,
		}),
		backlogTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vilokanam_settlement_backlog_ticks",
			Help:        "Ticks generated but not yet confirmed by the ledger.",
			ConstLabels: constLabels,
		}),
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vilokanam_settlement_pending_batches",
			Help:        "Batches queued for submission.",
			ConstLabels: constLabels,
		}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "vilokanam_settlement_run_loop_lag_seconds",
			Help:        "Lag between scheduled and actual settlement round start.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		walFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vilokanam_wal_flushes_total",
			Help:        "Write-ahead journal flushes by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		walFlushRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vilokanam_wal_flushed_records_total",
			Help:        "Records written by journal flushes.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.submissions,
		m.submitDuration,
		m.escalations,
		m.backlogTicks,
		m.pendingBatches,
		m.runLoopLag,
		m.walFlushes,
		m.walFlushRecords,
	)
	return m
}

func (m *SettlementMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SettlementMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SettlementMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *SettlementMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySettlementReason(err)).Inc()
}

func (m *SettlementMetrics) IncSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *SettlementMetrics) ObserveSubmitDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.submitDuration.Observe(duration.Seconds())
}

func (m *SettlementMetrics) IncEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *SettlementMetrics) SetBacklog(ticks uint64, batches int) {
	if m == nil {
		return
	}
	m.backlogTicks.Set(float64(ticks))
	m.pendingBatches.Set(float64(batches))
}

// ObserveRunLoopLag records lag between the scheduled round and actual start.
func (m *SettlementMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(duration, 0).Seconds())
}

func (m *SettlementMetrics) ObserveWALFlush(records int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.walFlushes.WithLabelValues("error").Inc()
		return
	}
	m.walFlushes.WithLabelValues("ok").Inc()
	m.walFlushRecords.Add(float64(records))
}

// ClassifySettlementReason maps settlement errors to low-cardinality reasons.
func ClassifySettlementReason(err error) string {
	if err == nil {
		return SettlementReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SettlementReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SettlementReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SettlementReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SettlementReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, gorm.ErrInvalidDB) {
		return SettlementReasonDB
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return SettlementReasonTransport
	}
	return SettlementReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
