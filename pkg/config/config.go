// Package config loads the host program's server settings from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	ProtocolTCP       = "tcp"
	ProtocolWebsocket = "websocket"
	ProtocolSerial    = "serial"
)

type Config struct {
	Servers []ServerConfig `yaml:"servers"`

	OneRPCPerUpdate     bool          `yaml:"one_rpc_per_update"`
	MaxTimePerUpdate    time.Duration `yaml:"max_time_per_update"`
	AdaptiveRateControl bool          `yaml:"adaptive_rate_control"`
	BlockingRecv        bool          `yaml:"blocking_recv"`
	RecvTimeout         time.Duration `yaml:"recv_timeout"`

	// Host loop frequency, in updates per second
	UpdateRate int `yaml:"update_rate"`

	// Empty disables the metrics endpoint
	MetricsAddress string `yaml:"metrics_address"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`

	// tcp and websocket
	Address    string `yaml:"address"`
	RPCPort    int    `yaml:"rpc_port"`
	StreamPort int    `yaml:"stream_port"`

	// websocket. Empty allowed origins accepts any origin.
	RPCEndpoint    string   `yaml:"rpc_endpoint"`
	StreamEndpoint string   `yaml:"stream_endpoint"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DeniedOrigins  []string `yaml:"denied_origins"`

	// serial: one device per protocol
	RPCDevice    string `yaml:"rpc_device"`
	StreamDevice string `yaml:"stream_device"`
	BaudRate     int    `yaml:"baud_rate"`
	DataBits     int    `yaml:"data_bits"`
	Parity       string `yaml:"parity"`
	StopBits     string `yaml:"stop_bits"`

	AllowedHosts []string `yaml:"allowed_hosts"`
	DeniedHosts  []string `yaml:"denied_hosts"`

	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`

	// tcp and websocket: a client that cannot take a write within this
	// long is dropped. Zero uses the transport default.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default is a single TCP server on the loopback interface.
func Default() *Config {
	return &Config{
		Servers: []ServerConfig{{
			Name:       "default",
			Protocol:   ProtocolTCP,
			Address:    "127.0.0.1",
			RPCPort:    50000,
			StreamPort: 50001,
		}},
		MaxTimePerUpdate:    5 * time.Millisecond,
		AdaptiveRateControl: true,
		BlockingRecv:        true,
		RecvTimeout:         time.Millisecond,
		UpdateRate:          60,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening config %s", path)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown keys are errors. A
// servers list in the document replaces the default server.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.NewNotValid(err, "decoding YAML")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if len(cfg.Servers) == 0 {
		return errors.NotValidf("config without servers")
	}
	if cfg.MaxTimePerUpdate <= 0 {
		return errors.NotValidf("max_time_per_update %v", cfg.MaxTimePerUpdate)
	}
	if cfg.RecvTimeout < 0 {
		return errors.NotValidf("recv_timeout %v", cfg.RecvTimeout)
	}
	if cfg.UpdateRate <= 0 {
		return errors.NotValidf("update_rate %d", cfg.UpdateRate)
	}

	names := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		server := &cfg.Servers[i]
		if server.Name == "" {
			return errors.NotValidf("server %d without a name", i)
		}
		if names[server.Name] {
			return errors.NotValidf("duplicate server name %q", server.Name)
		}
		names[server.Name] = true

		if err := server.validate(); err != nil {
			return errors.Annotatef(err, "server %q", server.Name)
		}
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port < 1<<16
}

func (s *ServerConfig) validate() error {
	if s.HelloTimeout < 0 {
		return errors.NotValidf("hello_timeout %v", s.HelloTimeout)
	}
	if s.WriteTimeout < 0 {
		return errors.NotValidf("write_timeout %v", s.WriteTimeout)
	}
	if s.MaxMessageSize < 0 {
		return errors.NotValidf("max_message_size %d", s.MaxMessageSize)
	}

	switch s.Protocol {
	case ProtocolTCP, ProtocolWebsocket:
		if !validPort(s.RPCPort) || !validPort(s.StreamPort) {
			return errors.NotValidf("ports %d and %d", s.RPCPort, s.StreamPort)
		}
		if s.RPCPort == s.StreamPort {
			return errors.NotValidf("same port %d for RPC and stream", s.RPCPort)
		}
	case ProtocolSerial:
		if s.RPCDevice == "" || s.StreamDevice == "" {
			return errors.NotValidf("serial server without rpc_device and stream_device")
		}
		if s.RPCDevice == s.StreamDevice {
			return errors.NotValidf("same device %s for RPC and stream", s.RPCDevice)
		}
	default:
		return errors.NotValidf("protocol %q", s.Protocol)
	}
	return nil
}
