package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confocus/confocus/internal/api"
	"github.com/confocus/confocus/internal/auth"
	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/colibri"
	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/config"
	"github.com/confocus/confocus/internal/focus"
	"github.com/confocus/confocus/internal/metrics"
	"github.com/confocus/confocus/internal/signaling"
	"github.com/confocus/confocus/internal/worker"
)

// sipWorkerPool is the presence channel for the dial-out gateways.
const sipWorkerPool = "sip"

// bridgeStaleAfter is the stats silence after which a bridge is dropped
// even though its connection is still open.
const bridgeStaleAfter = 90 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting confocus",
		"signal_port", cfg.SignalPort,
		"api_port", cfg.APIPort,
		"region", cfg.LocalRegion,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Bridge registry and selection.
	registry := bridge.NewRegistry(cfg.BridgeFailureReset, logger)
	strategy, err := bridge.NewStrategy(bridge.StrategyConfig{
		Kind:         cfg.BridgeStrategy,
		LocalRegion:  cfg.LocalRegion,
		RegionGroups: cfg.RegionGroupsParsed(),
		MaxStress:    cfg.BridgeMaxStress,
	})
	if err != nil {
		slog.Error("failed to build bridge strategy", "error", err)
		os.Exit(1)
	}
	selector := bridge.NewSelector(registry, strategy, logger)

	// The signaling transport needs a room directory before the
	// supervisor exists; the adapter's field is set right below, and the
	// worker backends are filled in before the server starts serving.
	rooms := &roomsAdapter{}
	workerBackends := make(map[string]signaling.WorkerBackend)
	sigSrv := signaling.NewServer(signaling.ServerConfig{
		RequestTimeout: cfg.RequestTimeout,
	}, registry, rooms, workerBackends, logger)

	// Conference supervisor over the colibri client.
	client := colibri.NewClient(sigSrv, cfg.RequestTimeout, logger)
	rolePolicy := conference.RolePolicyAutoOwner
	if cfg.RolePolicy == "authenticated" {
		rolePolicy = conference.RolePolicyAuthenticated
	}
	sup := focus.NewSupervisor(focus.Config{
		Conference: conference.Config{
			RolePolicy:          rolePolicy,
			StartAudioMuted:     cfg.StartAudioMuted,
			StartVideoMuted:     cfg.StartVideoMuted,
			EnableSctp:          cfg.EnableSctp,
			Linger:              cfg.ConferenceLinger,
			InviteTimeout:       cfg.InviteTimeout,
			ReinviteConcurrency: cfg.ReinviteConcurrency,
			TrustedDomains:      cfg.TrustedDomainsParsed(),
		},
		PinnedBridgeVersion: cfg.PinnedBridgeVersion,
	}, client, selector, registry, sigSrv, logger)
	rooms.sup = sup

	// Worker pools: session workers for recording, streaming and SIP
	// calls, plus the dial-out gateways with their own pool.
	workerCfg := worker.Config{
		PendingTimeout: cfg.WorkerPendingTimeout,
		RetryBudget:    cfg.WorkerRetryBudget,
	}
	onUpdate := sessionUpdateNotifier(sup, sigSrv)

	recPool := worker.NewPool(signaling.DefaultWorkerPool, cfg.LocalRegion, cfg.RegionGroupsParsed(), logger)
	recMgr := worker.NewManager(recPool, sigSrv, workerCfg, onUpdate, logger)
	workerBackends[signaling.DefaultWorkerPool] = signaling.WorkerBackend{Pool: recPool, Events: recMgr}

	sipPool := worker.NewPool(sipWorkerPool, cfg.LocalRegion, cfg.RegionGroupsParsed(), logger)
	sipMgr := worker.NewManager(sipPool, sigSrv, workerCfg, onUpdate, logger)
	workerBackends[sipWorkerPool] = signaling.WorkerBackend{Pool: sipPool, Events: sipMgr}
	dialer := worker.NewDialer(sipPool, sigSrv, worker.DialConfig{
		PerWorkerTimeout: cfg.DialTimeout,
		Retries:          cfg.DialRetries,
	}, logger)

	// External authentication.
	var authority *auth.Authority
	if cfg.AuthEnabled() {
		secret, err := cfg.AuthSecretBytes()
		if err != nil {
			slog.Error("failed to decode auth secret", "error", err)
			os.Exit(1)
		}
		authority, err = auth.NewAuthority(auth.Config{
			LoginURL:   cfg.AuthURL,
			LogoutURL:  cfg.LogoutURL,
			Secret:     secret,
			SessionTTL: cfg.SessionTTL,
		}, logger)
		if err != nil {
			slog.Error("failed to create auth authority", "error", err)
			os.Exit(1)
		}
		slog.Info("external authentication enabled", "login_url", cfg.AuthURL)
		go pruneSessions(appCtx, authority)
	}

	// Request dispatcher.
	dcfg := signaling.DispatcherConfig{
		Conferences: sup,
		Recording:   recMgr,
		Dialer:      dialer,
		Notifier:    sigSrv,
		Caps: signaling.Capabilities{
			Authentication: authority != nil,
			ExternalAuth:   authority != nil,
			SipGateway:     true,
		},
		FocusJID: cfg.FocusJID,
	}
	if authority != nil {
		dcfg.Auth = authority
		sigSrv.SetAuth(authority)
	}
	sigSrv.SetDispatcher(signaling.NewDispatcher(dcfg, logger))

	// Drop bridges whose stats went silent while the socket stayed open.
	go pruneBridges(appCtx, registry, sup)

	// Metrics and the admin API.
	pools := map[string]*worker.Pool{
		signaling.DefaultWorkerPool: recPool,
		sipWorkerPool:               sipPool,
	}
	var authProvider metrics.AuthProvider
	if authority != nil {
		authProvider = authority
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(sup, registry, pools, recMgr, authProvider, dialer, sup.StartedAt()))

	drained := make(chan struct{})
	deps := api.Deps{
		Conferences: sup,
		Bridges:     registry,
		Pools:       pools,
		Recording:   recMgr,
		Dial:        dialer,
		Metrics:     promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Shutdown: func() {
			sup.BeginShutdown(func() { close(drained) })
		},
	}
	if authority != nil {
		deps.Auth = authority
	}
	adminHandler := api.NewServer(deps, logger)

	signalSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.SignalPort),
		Handler:           sigSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      adminHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start servers in goroutines.
	errCh := make(chan error, 2)
	go func() {
		slog.Info("signaling server listening", "addr", signalSrv.Addr)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("admin server listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt, server error or a completed drain.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	case <-drained:
		slog.Info("graceful shutdown drained all conferences")
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	sup.DisposeAll(ctx)
	sigSrv.Close()

	if err := signalSrv.Shutdown(ctx); err != nil {
		slog.Error("signaling server shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	slog.Info("confocus stopped")
}

// pruneSessions expires stale authentication sessions in the background.
func pruneSessions(ctx context.Context, authority *auth.Authority) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := authority.Prune(); n > 0 {
				slog.Debug("pruned expired auth sessions", "count", n)
			}
		}
	}
}

// pruneBridges drops bridges whose stats went silent and re-invites the
// conferences they hosted. Bridges that vanish with their connection are
// handled by the transport directly; this loop catches hung processes
// that keep the socket open.
func pruneBridges(ctx context.Context, registry *bridge.Registry, sup *focus.Supervisor) {
	ticker := time.NewTicker(bridgeStaleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := registry.PruneStale(bridgeStaleAfter)
			if len(pruned) == 0 {
				continue
			}
			ids := make([]string, len(pruned))
			for i, b := range pruned {
				ids[i] = b.ID
			}
			sup.BridgesLost(ctx, ids)
		}
	}
}

// sessionUpdatePayload is the notification room members receive when a
// recording, streaming or SIP session changes state.
type sessionUpdatePayload struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Failure   string `json:"failure,omitempty"`
}

// sessionUpdateNotifier fans worker session state changes out to the
// members of the session's room.
func sessionUpdateNotifier(sup *focus.Supervisor, srv *signaling.Server) func(worker.Update) {
	return func(u worker.Update) {
		c, ok := sup.Get(u.Room)
		if !ok {
			return
		}
		payload := sessionUpdatePayload{
			SessionID: u.SessionID,
			Type:      string(u.Type),
			State:     string(u.State),
			Failure:   string(u.Failure),
		}
		for _, jid := range c.ParticipantJIDs() {
			if err := srv.Send(jid, signaling.KindSessionUpdate, payload); err != nil {
				slog.Debug("session update not delivered", "jid", jid, "error", err)
			}
		}
	}
}

// roomsAdapter hands the signaling transport its room directory before
// the supervisor exists. The field is set once during startup, before
// the server begins serving.
type roomsAdapter struct {
	sup *focus.Supervisor
}

func (a *roomsAdapter) Get(room string) (*conference.Conference, bool) {
	if a.sup == nil {
		return nil, false
	}
	return a.sup.Get(room)
}

func (a *roomsAdapter) BridgesLost(ctx context.Context, bridgeIDs []string) {
	if a.sup != nil {
		a.sup.BridgesLost(ctx, bridgeIDs)
	}
}
