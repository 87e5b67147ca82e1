// Package health runs the background maintenance schedule for mailbox
// connections: staleness probes, proactive token refresh, error recovery and
// the daily report.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailbridge/internal/common/logging"
	"mailbridge/internal/connections"
	"mailbridge/internal/storage"
)

const reportSettingKey = "health:last_report"

// ConnectionService is the slice of the connection service the monitor
// drives. Every heal and validation goes through the same code paths a
// user-initiated action would.
type ConnectionService interface {
	GetTokens(ctx context.Context, id, userID string, autoRefresh bool) (*connections.TokenBundle, error)
	CheckHealth(ctx context.Context, id, userID string) (*connections.HealthReport, error)
	RefreshNow(ctx context.Context, id, userID string) (*connections.RefreshResult, error)
}

// StateJanitor prunes expired authorization state. The in-memory store needs
// periodic sweeping; Redis expires its keys on its own, so the janitor is
// optional.
type StateJanitor interface {
	Cleanup(ctx context.Context) int
}

// Config tunes the schedule and sweep windows.
type Config struct {
	QuickCheckInterval    time.Duration
	ComprehensiveInterval time.Duration
	RefreshSweepInterval  time.Duration
	RecoverySweepInterval time.Duration
	DailySchedule         string

	// RefreshBuffer must match the service's buffer so the sweep picks up the
	// same tokens the read path would refresh.
	RefreshBuffer time.Duration

	// ArchiveAfter enables quiescence archival when positive: active
	// connections with no sync activity for this long are archived by the
	// daily job.
	ArchiveAfter time.Duration

	// StaleAfter is how long an expired or errored connection may sit
	// unexamined before the quick check picks it up.
	StaleAfter time.Duration

	// ValidationWindow bounds the comprehensive check: non-active connections
	// with no sync activity inside the window are left alone.
	ValidationWindow time.Duration

	// RecoveryWindow bounds recovery attempts: errors older than this are
	// considered permanently dead.
	RecoveryWindow time.Duration

	// ValidationDelay spaces out provider calls during the comprehensive
	// check so a large fleet does not burst the identity endpoint.
	ValidationDelay time.Duration

	QuickCheckBatch int
	RecoveryBatch   int
}

func (c *Config) applyDefaults() {
	if c.QuickCheckInterval <= 0 {
		c.QuickCheckInterval = 15 * time.Minute
	}
	if c.ComprehensiveInterval <= 0 {
		c.ComprehensiveInterval = time.Hour
	}
	if c.RefreshSweepInterval <= 0 {
		c.RefreshSweepInterval = 30 * time.Minute
	}
	if c.RecoverySweepInterval <= 0 {
		c.RecoverySweepInterval = 2 * time.Hour
	}
	if c.DailySchedule == "" {
		c.DailySchedule = "30 3 * * *"
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.ValidationWindow <= 0 {
		c.ValidationWindow = 7 * 24 * time.Hour
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 7 * 24 * time.Hour
	}
	if c.ValidationDelay <= 0 {
		c.ValidationDelay = 200 * time.Millisecond
	}
	if c.QuickCheckBatch <= 0 {
		c.QuickCheckBatch = 20
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 10
	}
}

// counters accumulate between daily reports.
type counters struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Errored   int `json:"errored"`
	Recovered int `json:"recovered"`
}

// Report is what the daily job persists.
type Report struct {
	counters
	ReportedAt time.Time `json:"reported_at"`
}

// Monitor owns the cron schedule. All sweeps tolerate individual connection
// failures: one bad row never stops the rest of the batch.
type Monitor struct {
	storage storage.Storage
	service ConnectionService
	janitor StateJanitor
	logger  logging.Logger
	config  Config

	cron   *cron.Cron
	cancel context.CancelFunc

	mu    sync.Mutex
	stats counters
}

func NewMonitor(store storage.Storage, service ConnectionService, janitor StateJanitor,
	config Config, logger logging.Logger) *Monitor {
	config.applyDefaults()
	return &Monitor{
		storage: store,
		service: service,
		janitor: janitor,
		logger:  logger,
		config:  config,
	}
}

// Start registers the five maintenance jobs and launches the scheduler. A job
// still running when its next tick arrives skips that tick instead of piling
// up.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	clog := cronLogger{logger: m.logger}
	m.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)),
	)

	jobs := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{every(m.config.QuickCheckInterval), "quick_check", m.runQuickCheck},
		{every(m.config.ComprehensiveInterval), "comprehensive_check", m.runComprehensiveCheck},
		{every(m.config.RefreshSweepInterval), "refresh_sweep", m.runRefreshSweep},
		{every(m.config.RecoverySweepInterval), "recovery_sweep", m.runRecoverySweep},
		{m.config.DailySchedule, "daily_maintenance", m.runDailyMaintenance},
	}
	for _, job := range jobs {
		job := job
		if _, err := m.cron.AddFunc(job.spec, func() { job.run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %s (%s): %w", job.name, job.spec, err)
		}
	}

	m.cron.Start()
	m.logger.Info("health monitor started",
		logging.String("quick_check", m.config.QuickCheckInterval.String()),
		logging.String("comprehensive", m.config.ComprehensiveInterval.String()),
		logging.String("refresh_sweep", m.config.RefreshSweepInterval.String()),
		logging.String("recovery_sweep", m.config.RecoverySweepInterval.String()),
		logging.String("daily", m.config.DailySchedule))
	return nil
}

// Stop halts the schedule and waits for in-flight jobs to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.logger.Info("health monitor stopped")
}

func every(interval time.Duration) string {
	return "@every " + interval.String()
}

// runQuickCheck re-examines expired and errored connections that nobody has
// looked at recently. The standard token read path heals them when a refresh
// succeeds, so this sweep is just a prod.
func (m *Monitor) runQuickCheck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.StaleAfter)
	conns, err := m.storage.ListStaleConnections(cutoff, m.config.QuickCheckBatch)
	if err != nil {
		m.logger.Error("quick check: failed to list stale connections", err)
		return
	}
	if len(conns) == 0 {
		return
	}

	recovered := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		m.bump(func(c *counters) { c.Checked++ })

		if _, err := m.service.GetTokens(ctx, conn.ID, conn.UserID, true); err != nil {
			m.bump(func(c *counters) { c.Errored++ })
			m.logger.Debug("quick check: connection still unhealthy",
				logging.String("connection_id", conn.ID), logging.Err(err))
			continue
		}
		if m.nowActive(conn) {
			recovered++
			m.bump(func(c *counters) { c.Recovered++ })
		}
	}

	m.logger.Info("quick check complete",
		logging.Int("examined", len(conns)),
		logging.Int("recovered", recovered))
}

// runComprehensiveCheck validates every connection that plausibly still
// matters against the provider's identity endpoint, spacing calls out to stay
// polite.
func (m *Monitor) runComprehensiveCheck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.ValidationWindow)
	conns, err := m.storage.ListConnectionsForValidation(cutoff)
	if err != nil {
		m.logger.Error("comprehensive check: failed to list connections", err)
		return
	}

	healthy := 0
	for i, conn := range conns {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.config.ValidationDelay):
			}
		}
		m.bump(func(c *counters) { c.Checked++ })

		rep, err := m.service.CheckHealth(ctx, conn.ID, conn.UserID)
		if err != nil {
			m.bump(func(c *counters) { c.Errored++ })
			m.logger.Warn("comprehensive check: validation failed",
				logging.String("connection_id", conn.ID), logging.Err(err))
			continue
		}
		if rep.Healthy {
			healthy++
			if conn.Status != storage.StatusActive {
				m.bump(func(c *counters) { c.Recovered++ })
			}
		} else {
			m.bump(func(c *counters) { c.Errored++ })
		}
	}

	m.logger.Info("comprehensive check complete",
		logging.Int("examined", len(conns)),
		logging.Int("healthy", healthy))
}

// runRefreshSweep renews active tokens already inside the refresh buffer so
// interactive reads rarely pay refresh latency.
func (m *Monitor) runRefreshSweep(ctx context.Context) {
	horizon := time.Now().UTC().Add(m.config.RefreshBuffer)
	conns, err := m.storage.ListExpiringConnections(horizon)
	if err != nil {
		m.logger.Error("refresh sweep: failed to list expiring connections", err)
		return
	}

	refreshed := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.service.RefreshNow(ctx, conn.ID, conn.UserID); err != nil {
			m.bump(func(c *counters) { c.Errored++ })
			m.logger.Warn("refresh sweep: refresh failed",
				logging.String("connection_id", conn.ID), logging.Err(err))
			continue
		}
		refreshed++
		m.bump(func(c *counters) { c.Refreshed++ })
	}

	if len(conns) > 0 {
		m.logger.Info("refresh sweep complete",
			logging.Int("examined", len(conns)),
			logging.Int("refreshed", refreshed))
	}
}

// runRecoverySweep retries errored connections that still hold a refresh
// token. A grant the user has not actually revoked often starts working again
// after a transient provider failure.
func (m *Monitor) runRecoverySweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.RecoveryWindow)
	conns, err := m.storage.ListRecoverableConnections(cutoff, m.config.RecoveryBatch)
	if err != nil {
		m.logger.Error("recovery sweep: failed to list recoverable connections", err)
		return
	}

	recovered := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.service.RefreshNow(ctx, conn.ID, conn.UserID); err != nil {
			m.logger.Debug("recovery sweep: connection still failing",
				logging.String("connection_id", conn.ID), logging.Err(err))
			continue
		}
		recovered++
		m.bump(func(c *counters) { c.Recovered++ })
	}

	if len(conns) > 0 {
		m.logger.Info("recovery sweep complete",
			logging.Int("examined", len(conns)),
			logging.Int("recovered", recovered))
	}
}

// runDailyMaintenance reports and resets counters, prunes stale authorization
// state, and optionally archives quiescent connections.
func (m *Monitor) runDailyMaintenance(ctx context.Context) {
	m.mu.Lock()
	rep := Report{counters: m.stats, ReportedAt: time.Now().UTC()}
	m.stats = counters{}
	m.mu.Unlock()

	raw, err := json.Marshal(rep)
	if err == nil {
		if err := m.storage.SetSetting(reportSettingKey, string(raw)); err != nil {
			m.logger.Error("daily maintenance: failed to persist report", err)
		}
	}
	m.logger.Info("daily health report",
		logging.Int("checked", rep.Checked),
		logging.Int("refreshed", rep.Refreshed),
		logging.Int("errored", rep.Errored),
		logging.Int("recovered", rep.Recovered))

	if m.janitor != nil {
		pruned := m.janitor.Cleanup(ctx)
		if pruned > 0 {
			m.logger.Info("daily maintenance: pruned authorization state",
				logging.Int("pruned", pruned))
		}
	}

	if m.config.ArchiveAfter > 0 {
		m.archiveQuiescent(ctx)
	}
}

// archiveQuiescent ages out connections that have sat broken past the
// archive window. Healthy connections are left alone no matter how idle.
func (m *Monitor) archiveQuiescent(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.ArchiveAfter)
	conns, err := m.storage.ListQuiescentConnections(cutoff)
	if err != nil {
		m.logger.Error("daily maintenance: failed to list quiescent connections", err)
		return
	}

	archived := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if err := m.storage.ArchiveConnection(conn.ID); err != nil {
			m.logger.Error("daily maintenance: failed to archive connection", err,
				logging.String("connection_id", conn.ID))
			continue
		}
		archived++
	}
	if archived > 0 {
		m.logger.Info("daily maintenance: archived quiescent connections",
			logging.Int("archived", archived))
	}
}

// LastReport returns the most recent persisted daily report, or nil if none
// has been written yet.
func (m *Monitor) LastReport() (*Report, error) {
	raw, err := m.storage.GetSetting(reportSettingKey)
	if err != nil || raw == "" {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Counters returns a snapshot of the in-flight counters.
func (m *Monitor) Counters() (checked, refreshed, errored, recovered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Checked, m.stats.Refreshed, m.stats.Errored, m.stats.Recovered
}

func (m *Monitor) bump(fn func(*counters)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// nowActive re-reads a connection and reports whether a sweep healed it.
func (m *Monitor) nowActive(conn *storage.Connection) bool {
	current, err := m.storage.GetConnection(conn.ID, conn.UserID)
	if err != nil || current == nil {
		return false
	}
	return current.Status == storage.StatusActive
}

// cronLogger adapts the structured logger to the cron scheduler's interface.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, logging.String("details", fmt.Sprint(keysAndValues...)))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, err, logging.String("details", fmt.Sprint(keysAndValues...)))
}
