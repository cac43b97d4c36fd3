package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"i4.energy/across/atclient/at"
	"i4.energy/across/atclient/catalog"
	"i4.energy/across/atclient/modem"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	config  *Config
	logger  *slog.Logger
	catalog *catalog.Catalog
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "atclient",
		Short:         "Talk to AT command devices over a serial port",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Flags())
		},
	}

	f := root.PersistentFlags()
	f.String("config", "", "Configuration file (yaml, toml or json)")
	f.String("serial-port", "/dev/ttyUSB0", "Serial port of the device")
	f.Int("baud-rate", 115200, "Baud rate for serial communication")
	f.String("parity", "none", "Serial parity (none, odd, even, mark, space)")
	f.Duration("read-timeout", 0, "Serial read timeout (default 100ms)")
	f.Duration("poll-interval", 0, "Engine poll interval (default 100ms)")
	f.Duration("join-timeout", 0, "Time to wait for each loop on shutdown (default 1s)")
	f.String("charset", "ascii", "Charset of received data (ascii, latin1, utf8)")
	f.String("catalog", "", "Command catalog file (default: built-in catalog)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("sim-pin", "", "SIM card PIN code (if required)")

	root.AddCommand(
		newPortsCommand(),
		newSendCommand(a),
		newRawCommand(a),
		newListenCommand(a),
		newSMSCommand(a),
		newServeCommand(a),
	)

	return root
}

func (a *app) init(fs *pflag.FlagSet) error {
	configFile, _ := fs.GetString("config")

	config, err := LoadConfig(
		WithDefaults(),
		WithDotEnv(".env.local", ".env"),
		WithFile(configFile),
		WithEnv(),
		WithFlags(fs),
	)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}
	a.config = config
	a.logger = newLogger(config.Level())

	if config.Catalog == "" {
		a.catalog = catalog.Default()
	} else if a.catalog, err = catalog.LoadFile(config.Catalog); err != nil {
		a.logger.Error("Failed to load catalog", "error", err)
		return err
	}
	return nil
}

// newLogger creates the JSON logger on stderr. modem.LevelCritical is
// rendered as CRITICAL.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := attr.Value.Any().(slog.Level); ok && l >= modem.LevelCritical {
					attr.Value = slog.StringValue("CRITICAL")
				}
			}
			return attr
		},
	}))
}

// startClient connects to the configured device and starts a client on it.
func (a *app) startClient(ctx context.Context, onResolution modem.ResolutionHandler) (*modem.Client, error) {
	charset, err := at.ParseCharset(a.config.Charset)
	if err != nil {
		return nil, err
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(a.config.Dialer()).
		WithLogger(a.logger).
		WithPollInterval(a.config.PollInterval).
		WithJoinTimeout(a.config.JoinTimeout).
		WithCharset(charset).
		WithOnResolution(onResolution).
		Build()
	if err != nil {
		a.logger.Error("Failed to create client config", "error", err)
		return nil, err
	}

	c, err := modem.New(modemConfig)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		a.logger.Error("Failed to start client", "error", err, "port", a.config.SerialPort)
		return nil, fmt.Errorf("start client on %s: %w", a.config.SerialPort, err)
	}
	return c, nil
}

// stopClient stops c and logs a failed shutdown.
func (a *app) stopClient(c *modem.Client) {
	if err := c.Stop(); err != nil {
		a.logger.Error("Failed to stop client", "error", err)
	}
}
