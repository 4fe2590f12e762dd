package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk configuration. Every field maps onto the env var
// of the same setting, so a file only provides defaults that env and flags
// may override.
type fileConfig struct {
	PairingCode        string          `yaml:"pairingCode" json:"pairingCode"`
	SignalingURL       string          `yaml:"signalingURL" json:"signalingURL"`
	SocketPath         string          `yaml:"socketPath" json:"socketPath"`
	Mode               string          `yaml:"mode" json:"mode"`
	LogFormat          string          `yaml:"logFormat" json:"logFormat"`
	LogLevel           string          `yaml:"logLevel" json:"logLevel"`
	NegotiationTimeout string          `yaml:"negotiationTimeout" json:"negotiationTimeout"`
	HTTPTimeout        string          `yaml:"httpTimeout" json:"httpTimeout"`
	ShutdownTimeout    string          `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	StatusAddr         string          `yaml:"statusAddr" json:"statusAddr"`
	ICEServers         []fileICEServer `yaml:"iceServers" json:"iceServers"`
	WebRTC             fileWebRTC      `yaml:"webrtc" json:"webrtc"`
}

type fileICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username" json:"username,omitempty"`
	Credential string   `yaml:"credential" json:"credential,omitempty"`
}

type fileWebRTC struct {
	UDPPortMin  uint   `yaml:"udpPortMin" json:"udpPortMin"`
	UDPPortMax  uint   `yaml:"udpPortMax" json:"udpPortMax"`
	UDPListenIP string `yaml:"udpListenIP" json:"udpListenIP"`
}

// loadFile reads a YAML (.yaml/.yml) or JSON-with-comments config file and
// returns a lookup over it keyed by env var name.
func loadFile(path string) (func(string) (string, bool), error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	values := map[string]string{
		envVarPairingCode:        fc.PairingCode,
		envVarSignalingURL:       fc.SignalingURL,
		envVarSocketPath:         fc.SocketPath,
		envVarMode:               fc.Mode,
		envVarLogFormat:          fc.LogFormat,
		envVarLogLevel:           fc.LogLevel,
		envVarNegotiationTimeout: fc.NegotiationTimeout,
		envVarHTTPTimeout:        fc.HTTPTimeout,
		envVarShutdownTimeout:    fc.ShutdownTimeout,
		envVarStatusAddr:         fc.StatusAddr,
		envVarWebRTCUDPListenIP:  fc.WebRTC.UDPListenIP,
	}
	if fc.WebRTC.UDPPortMin != 0 {
		values[envVarWebRTCUDPPortMin] = strconv.FormatUint(uint64(fc.WebRTC.UDPPortMin), 10)
	}
	if fc.WebRTC.UDPPortMax != 0 {
		values[envVarWebRTCUDPPortMax] = strconv.FormatUint(uint64(fc.WebRTC.UDPPortMax), 10)
	}
	if len(fc.ICEServers) > 0 {
		b, err := json.Marshal(fc.ICEServers)
		if err != nil {
			return nil, fmt.Errorf("config file %s: iceServers: %w", path, err)
		}
		values[envICEServersJSON] = string(b)
	}

	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok && v != ""
	}, nil
}

// layered prefers primary and consults fallback only for unset or empty keys.
func layered(primary, fallback func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		return fallback(key)
	}
}

// configPathFromArgs finds --config ahead of the full flag parse, since the
// file feeds the defaults of every other flag.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if name == flagConfig && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(name, flagConfig+"="); ok {
			return v
		}
	}
	return ""
}
