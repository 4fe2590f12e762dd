package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logStartupWarnings(logger, cfg)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	m := metrics.New()
	client, err := signaling.New(signaling.ClientConfig{
		BaseURL:     cfg.Session.SignalingBaseURL,
		PairingCode: cfg.Session.PairingCode,
		SocketPath:  cfg.SocketPath,
		HTTPTimeout: cfg.HTTPTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		logger.Error("failed to configure signaling client", "err", err)
		return 2
	}

	session, err := negotiation.New(negotiation.Config{
		PairingCode:        cfg.Session.PairingCode,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ExtraICEServers:    cfg.ICEServers,
		Logger:             logger,
		Metrics:            m,
	}, client, webrtcpeer.NewFactory(api, logger))
	if err != nil {
		logger.Error("failed to configure session", "err", err)
		return 2
	}

	logger.Info("starting aero-webrtc-pair",
		"pairing_code", cfg.Session.PairingCode,
		"signaling_url", cfg.Session.SignalingBaseURL,
		"mode", cfg.Mode,
		"negotiation_timeout", cfg.NegotiationTimeout,
		"extra_ice_servers", len(cfg.ICEServers),
		"status_addr", cfg.StatusAddr,
	)

	con := newConsole(os.Stdout, logger)
	con.attach(session)

	failed := make(chan struct{})
	session.OnStateChange(func(s negotiation.State) {
		logger.Info("session state changed", "state", s)
		if s == negotiation.StateFailed {
			close(failed)
		}
	})
	session.OnError(func(err error) {
		logger.Warn("session error", "err", err)
	})

	var srv *httpserver.Server
	srvErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.StatusAddr, "err", err)
			return 1
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, session, m)
		go func() {
			srvErr <- srv.Serve(ln)
		}()
		logger.Info("status server listening", "addr", ln.Addr().String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start session", "err", err)
		code = 1
	} else {
		bye := make(chan struct{})
		go func() {
			if con.run(os.Stdin) {
				close(bye)
			}
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case <-bye:
			logger.Info("bye received")
		case <-failed:
			code = 1
		case err := <-srvErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server exited", "err", err)
				code = 1
			}
			srv = nil
		}
	}

	if err := session.Close(); err != nil {
		logger.Warn("session close failed", "err", err)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", "err", err)
		}
		if err := <-srvErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server exited after shutdown", "err", err)
			code = 1
		}
	}
	return code
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
