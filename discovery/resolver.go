// Package discovery resolves which backend base URL the application should
// use. The resolution chain is: environment override, cached URL plus health
// probe, multicast-DNS scan plus health probe, manual entry plus health
// probe. The last known good URL is persisted for the next start.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestro-pos/backendlink/config"
	"github.com/maestro-pos/backendlink/store"
)

// HealthProber gates every candidate URL. Satisfied by *probe.Prober.
type HealthProber interface {
	Healthy(ctx context.Context, baseURL string) bool
}

// Resolver owns the discovery state machine. All transitions go through its
// mutex; a generation counter makes scan and probe completions no-ops once
// Reset or a newer discovery run has taken over.
type Resolver struct {
	mu      sync.Mutex
	logger  *zap.Logger
	cfg     *config.Config
	store   *store.Store
	prober  HealthProber
	browser Browser

	state      State
	gen        int
	scanCancel context.CancelFunc
}

// NewResolver wires a resolver from its collaborators. A nil browser gets
// the production mDNS browser.
func NewResolver(cfg *config.Config, st *store.Store, prober HealthProber, browser Browser, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if browser == nil {
		browser = NewMDNSBrowser(logger.Named("mdns"))
	}
	return &Resolver{
		logger:  logger,
		cfg:     cfg,
		store:   st,
		prober:  prober,
		browser: browser,
		state:   State{Status: StatusIdle},
	}
}

// State returns a snapshot of the resolver state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Initialize runs the resolution chain and blocks until the resolver settles.
// It is idempotent: once resolved, further calls return immediately.
func (r *Resolver) Initialize(ctx context.Context) {
	r.mu.Lock()
	if r.state.Resolved {
		r.mu.Unlock()
		return
	}

	if override := r.cfg.OverrideURL(); override != "" {
		r.logger.Info("Using override server URL", zap.String("url", override))
		r.resolveLocked(override, OriginEnvOverride)
		r.mu.Unlock()
		return
	}

	r.state.Status = StatusCheckingCache
	gen := r.gen
	r.mu.Unlock()

	if cached := r.store.ServerURL(); cached != "" {
		if !r.transition(gen, StatusConnecting) {
			return
		}
		r.logger.Info("Probing cached server URL", zap.String("url", cached))
		if r.prober.Healthy(ctx, cached) {
			r.settleResolved(gen, cached, OriginCached)
			return
		}
		r.logger.Warn("Cached server URL failed health check, falling back to scan",
			zap.String("url", cached))
	}

	// A Reset landing during the cache probe must not be followed by a scan
	// the caller never asked for.
	r.mu.Lock()
	stale := gen != r.gen
	r.mu.Unlock()
	if stale {
		return
	}

	r.StartDiscovery(ctx)
}

// StartDiscovery scans the local network for the configured service and
// blocks until the scan settles: first matching candidate probed, timeout, or
// scan error. Any previous scan is torn down first.
func (r *Resolver) StartDiscovery(ctx context.Context) {
	r.mu.Lock()
	r.cancelScanLocked()
	r.gen++
	gen := r.gen
	r.state.Status = StatusScanning
	r.state.Err = ""
	scanTimeout := r.cfg.ScanTimeout()
	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	r.scanCancel = cancel
	r.mu.Unlock()
	defer cancel()

	expected := r.cfg.ServiceName()
	logger := r.logger.With(zap.String("service", expected))
	logger.Info("Starting local network scan", zap.Duration("timeout", scanTimeout))

	entries := make(chan Candidate, 8)
	if err := r.browser.Browse(scanCtx, entries); err != nil {
		logger.Error("Service scan failed to start", zap.Error(err))
		r.settleFailed(gen, fmt.Sprintf("service scan failed: %v", err))
		return
	}

	for {
		select {
		case cand, ok := <-entries:
			if !ok {
				r.settleScanEnd(scanCtx, gen, expected, scanTimeout)
				return
			}
			if cand.Name != expected {
				logger.Debug("Ignoring candidate with different instance name",
					zap.String("instance", cand.Name))
				continue
			}
			ipv4 := firstIPv4(cand.Addresses)
			if ipv4 == "" {
				logger.Debug("Ignoring candidate without usable IPv4 address",
					zap.String("instance", cand.Name), zap.Strings("addresses", cand.Addresses))
				continue
			}

			// First match wins: tear the scan down before probing, further
			// candidates are not considered.
			cancel()
			server := DiscoveredServer{
				Name:      cand.Name,
				Host:      cand.Host,
				Port:      cand.Port,
				Addresses: cand.Addresses,
				Meta:      cand.Meta,
				BaseURL:   candidateBaseURL(cand, ipv4, r.cfg.APIPath()),
			}
			logger.Info("Scan matched a candidate", zap.String("baseURL", server.BaseURL))
			r.probeCandidate(ctx, gen, server)
			return

		case <-scanCtx.Done():
			r.settleScanEnd(scanCtx, gen, expected, scanTimeout)
			return
		}
	}
}

// SetManualURL normalizes free-text input, probes it, and on success persists
// and resolves with origin "manual". It reports success; failure details are
// recorded in the resolver state for the presentation layer.
func (r *Resolver) SetManualURL(ctx context.Context, input string) bool {
	normalized, err := NormalizeBaseURL(input, r.cfg.APIPath())
	if err != nil {
		r.logger.Warn("Manual URL failed validation", zap.String("input", input), zap.Error(err))
		r.mu.Lock()
		r.state.Status = StatusManualEntry
		r.state.Err = fmt.Sprintf("invalid server address %q", input)
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.cancelScanLocked()
	r.gen++
	gen := r.gen
	r.state.Status = StatusConnecting
	r.state.Err = ""
	r.mu.Unlock()

	r.logger.Info("Probing manual server URL", zap.String("url", normalized))
	if r.prober.Healthy(ctx, normalized) {
		if r.settleResolved(gen, normalized, OriginManual) {
			r.store.SetServerURL(normalized)
			return true
		}
		return false
	}

	r.settle(gen, func() {
		r.state.Status = StatusManualEntry
		r.state.Err = fmt.Sprintf("could not reach server at %s", normalized)
	})
	return false
}

// ShowManualEntry abandons any scan in progress and moves the resolver to the
// manual entry state with a cleared error.
func (r *Resolver) ShowManualEntry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelScanLocked()
	r.gen++
	r.state.Status = StatusManualEntry
	r.state.Err = ""
}

// Retry clears the last error and runs a fresh scan.
func (r *Resolver) Retry(ctx context.Context) {
	r.mu.Lock()
	r.state.Err = ""
	r.mu.Unlock()
	r.StartDiscovery(ctx)
}

// Reset clears the persisted URL, tears down any active scan, and returns the
// resolver to idle. Used for explicit re-discovery after a network change.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cancelScanLocked()
	r.gen++
	r.state = State{Status: StatusIdle}
	r.mu.Unlock()
	r.store.ClearServerURL()
	r.logger.Info("Discovery state reset")
}

func (r *Resolver) probeCandidate(ctx context.Context, gen int, server DiscoveredServer) {
	if !r.transition(gen, StatusConnecting) {
		return
	}
	if r.prober.Healthy(ctx, server.BaseURL) {
		if r.settleResolved(gen, server.BaseURL, server.Name) {
			r.store.SetServerURL(server.BaseURL)
		}
		return
	}
	r.settleFailed(gen, fmt.Sprintf("found %q at %s but it failed the health check",
		server.Name, server.BaseURL))
}

// settleScanEnd records the outcome of a scan that ended without a match. A
// deadline means nothing was found in time; a plain cancel means Reset or a
// newer run took over and there is nothing to record.
func (r *Resolver) settleScanEnd(scanCtx context.Context, gen int, expected string, timeout time.Duration) {
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		r.settleFailed(gen, fmt.Sprintf("no %q service found on the local network within %s",
			expected, timeout))
	}
}

// cancelScanLocked tears down the in-flight scan, if any. Callers hold mu.
func (r *Resolver) cancelScanLocked() {
	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
	}
}

// settle applies mutate under the lock unless gen is stale.
func (r *Resolver) settle(gen int, mutate func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	mutate()
	return true
}

func (r *Resolver) transition(gen int, status Status) bool {
	return r.settle(gen, func() {
		r.state.Status = status
	})
}

func (r *Resolver) settleResolved(gen int, serverURL, origin string) bool {
	return r.settle(gen, func() {
		r.resolveLocked(serverURL, origin)
	})
}

func (r *Resolver) settleFailed(gen int, message string) {
	if r.settle(gen, func() {
		r.state.Status = StatusFailed
		r.state.Err = message
	}) {
		r.logger.Warn("Discovery failed", zap.String("error", message))
	}
}

func (r *Resolver) resolveLocked(serverURL, origin string) {
	r.state = State{
		Status:    StatusResolved,
		ServerURL: serverURL,
		Origin:    origin,
		Resolved:  true,
	}
	r.logger.Info("Backend resolved",
		zap.String("url", serverURL), zap.String("origin", origin))
}
