package mcpstream

import (
	"sync"
	"time"
)

// TimeoutManagerConfig tunes default/maximum request timeouts and
// progress-based deadline extension.
type TimeoutManagerConfig struct {
	DefaultTimeout       time.Duration `env:"MCP_DEFAULT_TIMEOUT,default=30s"`
	MaximumTimeout       time.Duration `env:"MCP_MAXIMUM_TIMEOUT,default=300s"`
	ProgressResetTimeout time.Duration `env:"MCP_PROGRESS_RESET_TIMEOUT,default=5s"`
	EnableProgressReset  bool          `env:"MCP_ENABLE_PROGRESS_RESET,default=true"`
}

func (c TimeoutManagerConfig) withDefaults() TimeoutManagerConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaximumTimeout <= 0 {
		c.MaximumTimeout = 300 * time.Second
	}
	if c.ProgressResetTimeout <= 0 {
		c.ProgressResetTimeout = 5 * time.Second
	}
	return c
}

type pendingRequest struct {
	requestID    string
	method       string
	startTime    time.Time
	timeout      time.Duration
	maxTimeout   time.Duration
	lastProgress time.Time
	cancelled    bool
	reason       string
}

func (p *pendingRequest) isExpired(now time.Time) bool {
	if p.cancelled {
		return true
	}
	if now.Sub(p.startTime) >= p.maxTimeout {
		return true
	}
	return now.Sub(p.lastProgress) >= p.timeout
}

// TimeoutManager tracks pending JSON-RPC requests with per-request
// deadlines, a hard ceiling, progress-based deadline extension, and
// explicit cancellation. Guarded by a single mutex for the same reason as
// SessionManager: state is shared across every connection-worker goroutine.
type TimeoutManager struct {
	cfg TimeoutManagerConfig

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewTimeoutManager constructs a TimeoutManager from cfg, applying defaults
// for any zero-valued duration field. EnableProgressReset is taken as given;
// its env-tag default applies only when the config is decoded from the
// environment.
func NewTimeoutManager(cfg TimeoutManagerConfig) *TimeoutManager {
	return &TimeoutManager{cfg: cfg.withDefaults(), pending: make(map[string]*pendingRequest)}
}

// AddRequest records the start time and picks
// timeout = min(customTimeout or default, maximumTimeout). Duplicate IDs
// are ignored. A zero or negative customTimeout means "use the default".
func (m *TimeoutManager) AddRequest(requestID, method string, customTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[requestID]; exists {
		return
	}
	timeout := m.cfg.DefaultTimeout
	if customTimeout > 0 {
		timeout = customTimeout
	}
	if timeout > m.cfg.MaximumTimeout {
		timeout = m.cfg.MaximumTimeout
	}
	now := time.Now()
	m.pending[requestID] = &pendingRequest{
		requestID:    requestID,
		method:       method,
		startTime:    now,
		timeout:      timeout,
		maxTimeout:   m.cfg.MaximumTimeout,
		lastProgress: now,
	}
}

// UpdateProgress resets last_progress_time to now, only if progress reset
// is enabled; this extends the per-progress deadline but never the maximum
// ceiling.
func (m *TimeoutManager) UpdateProgress(requestID string) {
	if !m.cfg.EnableProgressReset {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[requestID]; ok {
		p.lastProgress = time.Now()
	}
}

// CancelRequest marks a request cancelled; is_expired becomes true for it
// immediately. Reported reason: "cancelled".
func (m *TimeoutManager) CancelRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[requestID]; ok {
		p.cancelled = true
		p.reason = "cancelled"
	}
}

// CheckExpiredRequests scans all pending requests and returns the IDs that
// newly became expired (were not already marked cancelled), marking them
// cancelled as it goes.
func (m *TimeoutManager) CheckExpiredRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired []string
	for id, p := range m.pending {
		if p.cancelled {
			continue
		}
		if p.isExpired(now) {
			p.cancelled = true
			p.reason = "timeout"
			expired = append(expired, id)
		}
	}
	return expired
}

// CompleteRequest removes tracking for a finished request.
func (m *TimeoutManager) CompleteRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

// CleanupCompletedRequests drops cancelled entries whose request started
// more than 5 minutes ago, to bound memory on a long-running server.
func (m *TimeoutManager) CleanupCompletedRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-5 * time.Minute)
	for id, p := range m.pending {
		if p.cancelled && p.startTime.Before(cutoff) {
			delete(m.pending, id)
		}
	}
}

// IsCancelled reports whether a tracked request has been marked cancelled,
// whether explicitly or by expiry.
func (m *TimeoutManager) IsCancelled(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	return ok && p.cancelled
}

// CancelReason returns the reason a cancelled request was marked so,
// "timeout" for expiry discovered by a scan, "cancelled" for an explicit
// CancelRequest call, or "" if the request is unknown or not cancelled.
func (m *TimeoutManager) CancelReason(requestID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	if !ok || !p.cancelled {
		return ""
	}
	return p.reason
}
