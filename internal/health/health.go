package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matrixise/compose-pay/internal/feed"
	"github.com/shopspring/decimal"
)

// Pinger is a dependency that can be probed for connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Endpoints reports RPC endpoint availability
type Endpoints interface {
	ChainID(ctx context.Context) (*big.Int, error)
	GetEndpointsHealth() map[string]bool
}

// SnapshotSource is the refresher state observed by the checker
type SnapshotSource interface {
	Snapshot() *feed.Snapshot
	LastError() error
	LastRunAt() time.Time
	ExpectedInterval() time.Duration
}

// Checker performs health checks on application dependencies
type Checker struct {
	db      Pinger // optional
	rpc     Endpoints
	source  SnapshotSource
	started time.Time
	now     func() time.Time
}

// NewChecker creates a new health checker; db may be nil when nothing is persisted
func NewChecker(db Pinger, rpc Endpoints, source SnapshotSource) *Checker {
	return &Checker{db: db, rpc: rpc, source: source, started: time.Now(), now: time.Now}
}

// CheckStatus represents the health status of a component
type CheckStatus string

const (
	StatusOK       CheckStatus = "ok"
	StatusDegraded CheckStatus = "degraded"
	StatusError    CheckStatus = "error"
)

// HealthResponse is the JSON response structure
type HealthResponse struct {
	Status    CheckStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckDetail `json:"checks"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckDetail contains details about a specific health check
type CheckDetail struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// worse returns the more severe of two statuses
func worse(a, b CheckStatus) CheckStatus {
	rank := map[CheckStatus]int{StatusOK: 0, StatusDegraded: 1, StatusError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Check performs all health checks and returns the aggregated status
func (c *Checker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]CheckDetail)
	overall := StatusOK

	if c.db != nil {
		checks["database"] = c.checkDatabase(ctx)
		overall = worse(overall, checks["database"].Status)
	}

	checks["rpc_endpoints"] = c.checkRPC(ctx)
	overall = worse(overall, checks["rpc_endpoints"].Status)

	if c.source != nil {
		checks["snapshot"] = c.checkSnapshot()
		overall = worse(overall, checks["snapshot"].Status)
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: c.now(),
		Checks:    checks,
		Uptime:    c.now().Sub(c.started).Round(time.Second).String(),
	}
}

func (c *Checker) checkDatabase(ctx context.Context) CheckDetail {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		slog.Error("Health check: database ping failed", "error", err)
		return CheckDetail{Status: StatusError, Message: "database unreachable: " + err.Error()}
	}
	return CheckDetail{Status: StatusOK, Message: "database connection healthy"}
}

// checkRPC verifies that at least one RPC endpoint is available
func (c *Checker) checkRPC(ctx context.Context) CheckDetail {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := c.rpc.ChainID(ctx); err != nil {
		slog.Error("Health check: RPC endpoint failed", "error", err)
		return CheckDetail{Status: StatusError, Message: "RPC endpoint not responding: " + err.Error()}
	}

	endpoints := c.rpc.GetEndpointsHealth()
	healthy := 0
	for _, ok := range endpoints {
		if ok {
			healthy++
		}
	}
	if healthy == len(endpoints) {
		return CheckDetail{Status: StatusOK, Message: "all RPC endpoints healthy"}
	}
	return CheckDetail{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d/%d RPC endpoints healthy", healthy, len(endpoints)),
	}
}

// checkSnapshot verifies the refresher keeps the snapshot fresh (2x interval grace)
func (c *Checker) checkSnapshot() CheckDetail {
	snap := c.source.Snapshot()
	lastErr := c.source.LastError()

	if snap == nil {
		if c.source.LastRunAt().IsZero() {
			return CheckDetail{Status: StatusOK, Message: "snapshot not yet refreshed (startup)"}
		}
		return CheckDetail{Status: StatusError, Message: fmt.Sprintf("no snapshot available: %v", lastErr)}
	}

	age := c.now().Sub(snap.FetchedAt)
	interval := c.source.ExpectedInterval()
	switch {
	case lastErr != nil:
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("last refresh failed, serving snapshot from %s ago: %v", age.Round(time.Second), lastErr),
		}
	case age > 2*interval:
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("snapshot is %s old (expected every %s)", age.Round(time.Second), interval),
		}
	default:
		return CheckDetail{Status: StatusOK, Message: fmt.Sprintf("snapshot refreshed %s ago", age.Round(time.Second))}
	}
}

// SnapshotResponse is the JSON view of the current snapshot
type SnapshotResponse struct {
	FetchedAt time.Time         `json:"fetched_at"`
	PricesUSD map[string]string `json:"prices_usd"`
	Account   string            `json:"account,omitempty"`
	Balances  map[string]string `json:"balances,omitempty"`
}

func newSnapshotResponse(snap *feed.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		FetchedAt: snap.FetchedAt,
		PricesUSD: make(map[string]string, len(snap.Prices.Prices)),
	}
	for symbol, price := range snap.Prices.Prices {
		resp.PricesUSD[symbol] = decimal.NewFromBigInt(price, -int32(snap.Prices.Decimals)).String()
	}
	if snap.Balances != nil {
		resp.Account = snap.Balances.Account.Hex()
		resp.Balances = make(map[string]string, len(snap.Balances.Balances))
		for symbol, bal := range snap.Balances.Balances {
			resp.Balances[symbol] = bal.String()
		}
	}
	return resp
}

// Handler returns an http.HandlerFunc for the health endpoint
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context())

		code := http.StatusOK
		if status.Status == StatusError {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

// SnapshotHandler serves the latest prices and balances
func (c *Checker) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap *feed.Snapshot
		if c.source != nil {
			snap = c.source.Snapshot()
		}
		if snap == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshot not available"})
			return
		}
		writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
	}
}

// Router mounts the health and snapshot endpoints
func (c *Checker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", c.Handler())
	r.Get("/snapshot", c.SnapshotHandler())
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
