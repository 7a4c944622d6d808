package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/presencemesh/room-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && listensOnAllInterfaces(cfg.ListenAddr) && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: listening on all interfaces with no ALLOWED_ORIGINS while --mode=prod (only same-host origins are accepted)",
			"warning_code", "all_interfaces_no_allowed_origins_in_prod",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	// A long-lived capability token keeps granting room access after the room
	// itself is gone.
	if cfg.TokenTTL > 7*24*time.Hour {
		logger.Warn("startup security warning: TOKEN_TTL is very large (capability tokens stay valid long after rooms end)",
			"warning_code", "token_ttl_large",
			"token_ttl", cfg.TokenTTL,
			"mode", cfg.Mode,
		)
	}

	// Oversized signaling frames inflate per-message allocations; SDP and ICE
	// candidates fit comfortably in the default cap.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens signaling DoS hardening)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd {
		if err := cfg.ICEConfigError(); err != nil {
			logger.Warn("startup security warning: ICE server configuration is invalid while --mode=prod (clients fall back to their own defaults)",
				"warning_code", "ice_config_invalid_in_prod",
				"err", err.Error(),
				"mode", cfg.Mode,
			)
		}
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func listensOnAllInterfaces(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
