package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/atclient/at"
)

const (
	defaultPollInterval      = 100 * time.Millisecond
	defaultJoinTimeout       = time.Second
	defaultOutboundQueueSize = 16
	defaultInboundQueueSize  = 256
)

// Config holds the settings of a Client. Build one with NewConfigBuilder,
// or fill it directly; New applies defaults and validates it either way.
type Config struct {
	// Dialer opens the Transport when the Client starts.
	Dialer Dialer
	// Logger receives the Client's structured logs. Defaults to slog.Default().
	Logger *slog.Logger
	// PollInterval is the pause between two engine iterations. It bounds
	// how late a resolution or timeout is reported.
	PollInterval time.Duration
	// JoinTimeout bounds how long Stop waits for each loop to exit.
	JoinTimeout time.Duration
	// OutboundQueueSize and InboundQueueSize size the queues between the
	// transport reader and the engine.
	OutboundQueueSize int
	InboundQueueSize  int
	// Charset decodes bytes received from the device.
	Charset at.Charset
	// OnResolution is called once per sent command with its outcome. It runs
	// on the engine goroutine and must not block.
	OnResolution ResolutionHandler
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	if c.PollInterval < 0 {
		return ErrInvalidPollInterval
	}
	if v, ok := c.Dialer.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = defaultInboundQueueSize
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.config.PollInterval = d
	return b
}

func (b *ConfigBuilder) WithJoinTimeout(d time.Duration) *ConfigBuilder {
	b.config.JoinTimeout = d
	return b
}

func (b *ConfigBuilder) WithQueueSizes(outbound, inbound int) *ConfigBuilder {
	b.config.OutboundQueueSize = outbound
	b.config.InboundQueueSize = inbound
	return b
}

func (b *ConfigBuilder) WithCharset(c at.Charset) *ConfigBuilder {
	b.config.Charset = c
	return b
}

func (b *ConfigBuilder) WithOnResolution(h ResolutionHandler) *ConfigBuilder {
	b.config.OnResolution = h
	return b
}

// Build validates the collected settings and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
