package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pion/webrtc/v4"
)

const (
	envVarPairingCode        = "AERO_WEBRTC_PAIR_CODE"
	envVarSignalingURL       = "AERO_WEBRTC_PAIR_SIGNALING_URL"
	envVarSocketPath         = "AERO_WEBRTC_PAIR_SOCKET_PATH"
	envVarConfigFile         = "AERO_WEBRTC_PAIR_CONFIG"
	envVarLogFormat          = "AERO_WEBRTC_PAIR_LOG_FORMAT"
	envVarLogLevel           = "AERO_WEBRTC_PAIR_LOG_LEVEL"
	envVarMode               = "AERO_WEBRTC_PAIR_MODE"
	envVarShutdownTimeout    = "AERO_WEBRTC_PAIR_SHUTDOWN_TIMEOUT"
	envVarNegotiationTimeout = "AERO_WEBRTC_PAIR_NEGOTIATION_TIMEOUT"
	envVarHTTPTimeout        = "AERO_WEBRTC_PAIR_HTTP_TIMEOUT"
	envVarStatusAddr         = "AERO_WEBRTC_PAIR_STATUS_ADDR"

	envVarWebRTCUDPPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP = "WEBRTC_UDP_LISTEN_IP"

	DefaultSocketPath         = "/socket.io/"
	DefaultShutdown           = 5 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultHTTPTimeout        = 10 * time.Second
	DefaultMode          Mode = ModeDev
	DefaultWebRTCUDPListenIP  = "0.0.0.0"
)

const (
	flagConfig             = "config"
	flagWebRTCUDPPortMin   = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax   = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP  = "webrtc-udp-listen-ip"
	flagNegotiationTimeout = "negotiation-timeout"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// SessionConfig identifies one pairing session. It is fixed once the session
// starts.
type SessionConfig struct {
	PairingCode      string
	SignalingBaseURL string
}

type Config struct {
	Session SessionConfig
	// SocketPath is the Socket.IO endpoint path on the signaling relay.
	SocketPath string

	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	// NegotiationTimeout bounds the time between a successful signaling
	// connect and the peer connection reaching connected. Zero disables it.
	NegotiationTimeout time.Duration
	// HTTPTimeout applies to the auth-check and rtcConfig requests.
	HTTPTimeout time.Duration

	// StatusAddr enables the local status HTTP server when non-empty.
	StatusAddr string

	// ICEServers are appended after the servers returned by the signaling
	// relay.
	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP net.IP
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configPath := configPathFromArgs(args)
	if configPath == "" {
		configPath = envOrDefault(lookup, envVarConfigFile, "")
	}
	if configPath != "" {
		fileLookup, err := loadFile(configPath)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(lookup, fileLookup)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	pairingCode := envOrDefault(lookup, envVarPairingCode, "")
	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	socketPath := envOrDefault(lookup, envVarSocketPath, DefaultSocketPath)
	statusAddr := envOrDefault(lookup, envVarStatusAddr, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return Config{}, err
	}
	httpTimeout, err := envDurationOrDefault(lookup, envVarHTTPTimeout, DefaultHTTPTimeout)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		ignored      string
	)

	fs := flag.NewFlagSet("aero-webrtc-pair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&ignored, flagConfig, configPath, "Path to a YAML or JSON (comments allowed) config file (env "+envVarConfigFile+")")
	fs.StringVar(&pairingCode, "pairing-code", pairingCode, "Pairing code shared by both peers (env "+envVarPairingCode+")")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay base URL, e.g. https://signaling.example.com (env "+envVarSignalingURL+")")
	fs.StringVar(&socketPath, "socket-path", socketPath, "Socket.IO path on the signaling relay (env "+envVarSocketPath+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 5s)")
	fs.DurationVar(&negotiationTimeout, flagNegotiationTimeout, negotiationTimeout, "Max time from signaling connect to peer connection established; 0 disables (env "+envVarNegotiationTimeout+")")
	fs.DurationVar(&httpTimeout, "http-timeout", httpTimeout, "Timeout for signaling relay HTTP requests (env "+envVarHTTPTimeout+")")
	fs.StringVar(&statusAddr, "status-addr", statusAddr, "Listen address for the local status server; empty disables (env "+envVarStatusAddr+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "Extra ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated extra STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated extra TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	pairingCode = strings.TrimSpace(pairingCode)
	if err := validatePairingCode(pairingCode); err != nil {
		return Config{}, err
	}

	baseURL, err := normalizeSignalingURL(signalingURL)
	if err != nil {
		return Config{}, err
	}

	socketPath = strings.TrimSpace(socketPath)
	if !strings.HasPrefix(socketPath, "/") {
		return Config{}, fmt.Errorf("invalid %s %q (must start with /)", envVarSocketPath, socketPath)
	}

	if negotiationTimeout < 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be >= 0)", envVarNegotiationTimeout, negotiationTimeout)
	}
	if httpTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0)", envVarHTTPTimeout, httpTimeout)
	}

	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", flagWebRTCUDPPortMin, flagWebRTCUDPPortMax)
	}
	var portRange *UDPPortRange
	if webrtcUDPPortMin != 0 {
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("--%s (%d) must be <= --%s (%d)", flagWebRTCUDPPortMin, min, flagWebRTCUDPPortMax, max)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid --%s %q (expected IP literal)", flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Session: SessionConfig{
			PairingCode:      pairingCode,
			SignalingBaseURL: baseURL,
		},
		SocketPath:         socketPath,
		LogFormat:          logFormat,
		LogLevel:           level,
		Mode:               mode,
		ShutdownTimeout:    shutdownTimeout,
		NegotiationTimeout: negotiationTimeout,
		HTTPTimeout:        httpTimeout,
		StatusAddr:         strings.TrimSpace(statusAddr),
		ICEServers:         iceServers,
		WebRTCUDPPortRange: portRange,
		WebRTCUDPListenIP:  listenIP,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func validatePairingCode(code string) error {
	if code == "" {
		return fmt.Errorf("%s/--pairing-code is required", envVarPairingCode)
	}
	for _, r := range code {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("invalid pairing code %q (must not contain whitespace or control characters)", code)
		}
	}
	return nil
}

// normalizeSignalingURL validates the relay base URL and strips any trailing
// slash so API paths can be appended directly.
func normalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%s/--signaling-url is required", envVarSignalingURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", envVarSignalingURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid %s %q (expected http or https scheme)", envVarSignalingURL, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid %s %q (missing host)", envVarSignalingURL, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("invalid %s %q (must not include query or fragment)", envVarSignalingURL, raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	return parsePortUint(uint(n))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port must be in 1..65535 (got %d)", v)
	}
	return uint16(v), nil
}
