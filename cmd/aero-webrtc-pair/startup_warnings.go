package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if u, err := url.Parse(cfg.Session.SignalingBaseURL); err == nil && u.Scheme == "http" && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: signaling relay is plain http while --mode=prod (session cookie and SDP travel unencrypted)",
			"warning_code", "signaling_url_insecure",
			"signaling_url", cfg.Session.SignalingBaseURL,
			"mode", cfg.Mode,
		)
	}

	if cfg.NegotiationTimeout <= 0 {
		logger.Warn("startup warning: negotiation timeout disabled; a peer that never shows up keeps the session waiting forever",
			"warning_code", "negotiation_timeout_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.StatusAddr != "" && !isLoopbackAddr(cfg.StatusAddr) {
		logger.Warn("startup security warning: status server listens beyond loopback (exposes pairing code and channel names)",
			"warning_code", "status_addr_public",
			"status_addr", cfg.StatusAddr,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
