package infrastructure

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// ConnectivityMonitor polls the remote server and reports online/offline
// transitions. Any HTTP answer counts as reachable; only transport errors
// count as failures.
type ConnectivityMonitor struct {
	checkURL      string
	client        *http.Client
	interval      time.Duration
	failThreshold int
	logger        *zap.Logger

	mu        sync.Mutex
	online    bool
	failures  int
	listeners []func(online bool)
}

// NewConnectivityMonitor creates a monitor. It starts in the online state.
func NewConnectivityMonitor(remote domain.RemoteConfig, config domain.NetworkConfig, logger *zap.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := config.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := config.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	threshold := config.FailThreshold
	if threshold < 1 {
		threshold = 1
	}

	return &ConnectivityMonitor{
		checkURL:      strings.TrimSuffix(remote.BaseURL, "/") + "/",
		client:        &http.Client{Timeout: timeout},
		interval:      interval,
		failThreshold: threshold,
		logger:        logger.With(zap.String("component", "connectivity")),
		online:        true,
	}
}

// OnChange registers fn to be called on every online/offline transition
func (m *ConnectivityMonitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Online reports the last known state
func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run checks on every interval until ctx is done
func (m *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Connectivity monitor started", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connectivity monitor stopped")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check tests the server once and returns the resulting state
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.checkURL, nil)
	if err != nil {
		m.logger.Error("Failed to build connectivity request", zap.Error(err))
		return m.Online()
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.logger.Debug("Connectivity check failed", zap.Error(err))
		return m.record(false)
	}
	resp.Body.Close()
	return m.record(true)
}

// Report feeds an externally observed state (e.g. an OS network callback)
func (m *ConnectivityMonitor) Report(online bool) {
	m.mu.Lock()
	if online {
		m.failures = 0
	} else {
		m.failures = m.failThreshold
	}
	m.mu.Unlock()
	m.record(online)
}

func (m *ConnectivityMonitor) record(success bool) bool {
	m.mu.Lock()
	if success {
		m.failures = 0
	} else if m.failures < m.failThreshold {
		m.failures++
	}

	next := m.online
	switch {
	case success:
		next = true
	case m.failures >= m.failThreshold:
		next = false
	}

	changed := next != m.online
	m.online = next
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		if next {
			m.logger.Info("Remote server reachable again")
		} else {
			m.logger.Warn("Remote server unreachable", zap.Int("failures", m.failThreshold))
		}
		for _, fn := range listeners {
			fn(next)
		}
	}
	return next
}
