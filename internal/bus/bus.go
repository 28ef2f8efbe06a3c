package bus

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// log defaults to a no-op logger so the package is usable before
// SetLogger wires it to the process-wide logging component; this
// keeps bus free of a direct dependency on internal/logging, which
// itself depends on bus for its transport.
var log = func() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}()

// SetLogger installs the logger bus uses for its own diagnostics.
func SetLogger(l *zerolog.Logger) {
	log = l
}

// Conn wraps a *nats.Conn. When URL is empty the bus runs in disabled
// mode: publishes and subscribes are no-ops, so a deployment without
// a broker still runs everything that does not need the bus.
type Conn struct {
	nc      *nats.Conn
	enabled bool
}

type Config struct {
	URL   string
	Token string
	Name  string
}

func Connect(cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		log.Warn().Msg("NATS_URL not configured, bus disabled")
		return &Conn{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name(firstNonEmpty(cfg.Name, "meristem-core")),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("bus error")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to bus; running disabled")
		return &Conn{enabled: false}, nil
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to bus")
	return &Conn{nc: nc, enabled: true}, nil
}

func (c *Conn) Enabled() bool { return c.enabled }

func (c *Conn) Publish(subject string, data []byte) error {
	if !c.enabled {
		return nil
	}
	return c.nc.Publish(subject, data)
}

func (c *Conn) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	if !c.enabled {
		return nil, nil
	}
	return c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
}

// Close drains in-flight messages before closing the connection.
func (c *Conn) Close() {
	if !c.enabled || c.nc == nil {
		return
	}
	_ = c.nc.Drain()
	c.nc.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
