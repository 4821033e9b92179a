package tls

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Certificate expiry states reported by CertificateMonitor.
const (
	CertificateStatusOK       = "OK"
	CertificateStatusWarning  = "WARNING"
	CertificateStatusCritical = "CRITICAL"
	CertificateStatusExpired  = "EXPIRED"
)

// CertificateStatus is the expiry state of one stored certificate.
type CertificateStatus struct {
	Info            *CertificateInfo
	DaysUntilExpiry int
	Status          string
	LastChecked     time.Time
}

// CertificateMonitor periodically checks the certificates of a store and
// warns as they approach expiry.
type CertificateMonitor struct {
	store   *FileCertificateStore
	metrics *TLSMetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	checkInterval time.Duration
	warningDays   int
	criticalDays  int

	mu           sync.Mutex
	lastWarnings map[string]time.Time
}

// NewCertificateMonitor creates a monitor that checks hourly, warns 30 days
// before expiry and escalates at 7 days. metrics may be nil.
func NewCertificateMonitor(store *FileCertificateStore, metrics *TLSMetricsCollector, logger *slog.Logger) *CertificateMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateMonitor{
		store:         store,
		metrics:       metrics,
		logger:        logger.With("component", "tls"),
		now:           time.Now,
		checkInterval: time.Hour,
		warningDays:   30,
		criticalDays:  7,
		lastWarnings:  make(map[string]time.Time),
	}
}

// Run checks immediately and then every interval until ctx is done.
func (m *CertificateMonitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check evaluates every certificate once, logging at most one warning per
// certificate per day.
func (m *CertificateMonitor) Check(ctx context.Context) []*CertificateStatus {
	now := m.now()
	infos := m.store.Certificates()
	statuses := make([]*CertificateStatus, 0, len(infos))

	for _, info := range infos {
		status := &CertificateStatus{
			Info:            info,
			DaysUntilExpiry: info.DaysUntilExpiry(now),
			LastChecked:     now,
		}
		switch {
		case !now.Before(info.NotAfter):
			status.Status = CertificateStatusExpired
		case status.DaysUntilExpiry <= m.criticalDays:
			status.Status = CertificateStatusCritical
		case status.DaysUntilExpiry <= m.warningDays:
			status.Status = CertificateStatusWarning
		default:
			status.Status = CertificateStatusOK
		}
		statuses = append(statuses, status)

		if m.metrics != nil {
			m.metrics.RecordCertificateExpiry(ctx, info.ServerName, info.Subject, info.NotAfter)
		}
		m.warn(ctx, status, now)
	}
	return statuses
}

func (m *CertificateMonitor) warn(ctx context.Context, status *CertificateStatus, now time.Time) {
	if status.Status == CertificateStatusOK {
		return
	}

	key := status.Info.ServerName + "|" + status.Info.SerialNumber
	m.mu.Lock()
	last, seen := m.lastWarnings[key]
	if seen && now.Sub(last) < 24*time.Hour {
		m.mu.Unlock()
		return
	}
	m.lastWarnings[key] = now
	m.mu.Unlock()

	level := slog.LevelWarn
	message := "Certificate expires soon"
	switch status.Status {
	case CertificateStatusExpired:
		level = slog.LevelError
		message = "Certificate has expired"
	case CertificateStatusCritical:
		level = slog.LevelError
		message = "Certificate expires very soon"
	}

	m.logger.LogAttrs(ctx, level, message,
		slog.String("event", "certificate_expiry"),
		slog.String("server_name", status.Info.ServerName),
		slog.String("subject", status.Info.Subject),
		slog.Time("expires_on", status.Info.NotAfter),
		slog.Int("days_remaining", status.DaysUntilExpiry),
		slog.String("status", status.Status),
	)
}
