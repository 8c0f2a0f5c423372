package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/trivia/go/internal/trivia/recovery"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
	"github.com/nats-io/nats.go"
)

// HealthStatus is the result of one health check
type HealthStatus struct {
	Healthy          bool      `json:"healthy"`
	StoreReachable   bool      `json:"store_reachable"`
	HasDisplayTruth  bool      `json:"has_display_truth"`
	NATSConnected    *bool     `json:"nats_connected,omitempty"`
	RecoveryRuns     uint64    `json:"recovery_runs"`
	RecoveryFailures uint64    `json:"recovery_failures"`
	LastRecovery     time.Time `json:"last_recovery"`
	Errors           []string  `json:"errors"`
}

// HealthChecker probes the shared store, the NATS connection when there is
// one, and the recovery loop.
type HealthChecker struct {
	store    store.Store
	natsConn *nats.Conn
	loop     *recovery.Loop
	// threshold is how long the recovery loop may go without running
	threshold time.Duration
}

// NewHealthChecker creates a checker. natsConn and loop may be nil.
func NewHealthChecker(st store.Store, natsConn *nats.Conn, loop *recovery.Loop, threshold time.Duration) *HealthChecker {
	return &HealthChecker{
		store:     st,
		natsConn:  natsConn,
		loop:      loop,
		threshold: threshold,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	_, err := h.store.Get(ctx, state.KeyDisplayTruth)
	switch {
	case err == nil:
		status.StoreReachable = true
		status.HasDisplayTruth = true
	case errors.Is(err, store.ErrNotFound):
		status.StoreReachable = true
	default:
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("store read failed: %v", err))
	}

	if h.natsConn != nil {
		connected := h.natsConn.IsConnected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.loop != nil {
		st := h.loop.Stats()
		status.RecoveryRuns = st.Runs
		status.RecoveryFailures = st.Failures
		status.LastRecovery = st.LastRun
		if st.LastError != "" {
			status.Errors = append(status.Errors, "last recovery error: "+st.LastError)
		}
		if h.threshold > 0 && !st.LastRun.IsZero() && time.Since(st.LastRun) > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("recovery loop idle for %s", time.Since(st.LastRun).Round(time.Second)))
		}
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
