package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.bug.st/serial"

	"i4.energy/across/atclient/at"
	"i4.energy/across/atclient/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the device's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the device (e.g. 115200)
	BaudRate int
	// Parity is the serial parity ("none", "odd", "even", "mark", "space")
	Parity string
	// ReadTimeout bounds every read from the serial port
	ReadTimeout time.Duration
	// PollInterval is the pause between two engine iterations
	PollInterval time.Duration
	// JoinTimeout bounds how long shutdown waits for each client loop
	JoinTimeout time.Duration
	// CommandTimeout applies to ad-hoc commands (raw, sms)
	CommandTimeout time.Duration
	// Charset decodes received bytes ("ascii", "latin1", "utf8")
	Charset string
	// Catalog is the path of a command catalog; empty uses the built-in one
	Catalog string
	// Events are the catalog events the server listens for
	Events []string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code
	SimPIN string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.Parity = "none"
		c.ReadTimeout = 100 * time.Millisecond
		c.PollInterval = 100 * time.Millisecond
		c.JoinTimeout = time.Second
		c.CommandTimeout = 5 * time.Second
		c.Charset = "ascii"
		c.Events = []string{"RING", "CMTI"}
		c.LogLevel = "info"
		return nil
	}
}

// WithDotEnv loads the given .env files into the process environment. Files
// that do not exist are skipped. Variables already set are not overridden,
// so earlier files take precedence over later ones. Apply it before WithEnv.
func WithDotEnv(files ...string) ConfigOption {
	return func(c *Config) error {
		for _, f := range files {
			if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err := godotenv.Load(f); err != nil {
				return fmt.Errorf("load %s: %w", f, err)
			}
		}
		return nil
	}
}

// WithFile loads configuration from a YAML, TOML or JSON file. An empty
// path is a no-op. Keys are the snake_case field names, e.g. serial_port.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}

		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}

		setString := func(key string, dst *string) {
			if v.IsSet(key) {
				*dst = v.GetString(key)
			}
		}
		setDuration := func(key string, dst *time.Duration) {
			if v.IsSet(key) {
				*dst = v.GetDuration(key)
			}
		}

		setString("bind_address", &c.BindAddress)
		setString("serial_port", &c.SerialPort)
		if v.IsSet("baud_rate") {
			c.BaudRate = v.GetInt("baud_rate")
		}
		setString("parity", &c.Parity)
		setDuration("read_timeout", &c.ReadTimeout)
		setDuration("poll_interval", &c.PollInterval)
		setDuration("join_timeout", &c.JoinTimeout)
		setDuration("command_timeout", &c.CommandTimeout)
		setString("charset", &c.Charset)
		setString("catalog", &c.Catalog)
		if v.IsSet("events") {
			c.Events = v.GetStringSlice("events")
		}
		setString("log_level", &c.LogLevel)
		setString("sim_pin", &c.SimPIN)
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			b, err := strconv.Atoi(baud)
			if err != nil {
				return fmt.Errorf("BAUD_RATE: %w", err)
			}
			c.BaudRate = b
		}

		if parity := os.Getenv("PARITY"); parity != "" {
			c.Parity = parity
		}

		for name, dst := range map[string]*time.Duration{
			"READ_TIMEOUT":    &c.ReadTimeout,
			"POLL_INTERVAL":   &c.PollInterval,
			"JOIN_TIMEOUT":    &c.JoinTimeout,
			"COMMAND_TIMEOUT": &c.CommandTimeout,
		} {
			if s := os.Getenv(name); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				*dst = d
			}
		}

		if charset := os.Getenv("CHARSET"); charset != "" {
			c.Charset = charset
		}

		if catalog := os.Getenv("CATALOG"); catalog != "" {
			c.Catalog = catalog
		}

		if events := os.Getenv("EVENTS"); events != "" {
			c.Events = splitList(events)
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags that were set
// explicitly
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			if err != nil {
				return
			}
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				c.BaudRate, err = fSet.GetInt(f.Name)
			case "parity":
				c.Parity = f.Value.String()
			case "read-timeout":
				c.ReadTimeout, err = fSet.GetDuration(f.Name)
			case "poll-interval":
				c.PollInterval, err = fSet.GetDuration(f.Name)
			case "join-timeout":
				c.JoinTimeout, err = fSet.GetDuration(f.Name)
			case "timeout":
				c.CommandTimeout, err = fSet.GetDuration(f.Name)
			case "charset":
				c.Charset = f.Value.String()
			case "catalog":
				c.Catalog = f.Value.String()
			case "events":
				c.Events, err = fSet.GetStringSlice(f.Name)
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			}
		})
		return err
	}
}

// Validate checks the values that are parsed later on.
func (c *Config) Validate() error {
	if _, err := modem.ParseParity(c.Parity); err != nil {
		return err
	}
	if _, err := at.ParseCharset(c.Charset); err != nil {
		return err
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", c.BaudRate)
	}
	for name, d := range map[string]time.Duration{
		"read timeout":    c.ReadTimeout,
		"poll interval":   c.PollInterval,
		"join timeout":    c.JoinTimeout,
		"command timeout": c.CommandTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// Dialer returns the serial dialer described by the configuration.
func (c *Config) Dialer() modem.SerialDialer {
	parity, _ := modem.ParseParity(c.Parity)
	return modem.SerialDialer{
		PortName: c.SerialPort,
		Mode: &serial.Mode{
			BaudRate: c.BaudRate,
			DataBits: 8,
			Parity:   parity,
			StopBits: serial.OneStopBit,
		},
		ReadTimeout: c.ReadTimeout,
	}
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
