package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// LogStreamName is the JetStream stream backing the log subjects.
const LogStreamName = "MERISTEM_LOGS"

// StreamConfig carries the operator-tunable stream knobs.
type StreamConfig struct {
	Replicas int
	MaxBytes int64
}

// EnsureLogStream creates or updates the MERISTEM_LOGS stream:
// limits retention, 7d max age, discard-old, 120s duplicate window,
// 1 MiB max message size. MaxBytes is clamped to 80% of the account's
// available storage divided by replicas when the account limit is
// lower than the configured value.
func (c *Conn) EnsureLogStream(cfg StreamConfig) error {
	if !c.enabled {
		return nil
	}
	js, err := c.nc.JetStream()
	if err != nil {
		return fmt.Errorf("bus: jetstream context: %w", err)
	}

	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	maxBytes := cfg.MaxBytes
	if info, err := js.AccountInfo(); err == nil && info.Limits.MaxStore > 0 {
		ceiling := info.Limits.MaxStore * 8 / 10 / int64(cfg.Replicas)
		if maxBytes <= 0 || maxBytes > ceiling {
			log.Info().Int64("configured", cfg.MaxBytes).Int64("clamped", ceiling).Msg("clamping log stream max_bytes to account storage")
			maxBytes = ceiling
		}
	}

	sc := &nats.StreamConfig{
		Name:       LogStreamName,
		Subjects:   []string{"meristem.v1.logs.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Replicas:   cfg.Replicas,
		Duplicates: 120 * time.Second,
		MaxMsgSize: 1 << 20,
		MaxBytes:   maxBytes,
	}

	if _, err := js.StreamInfo(LogStreamName); err == nil {
		_, err = js.UpdateStream(sc)
		return err
	}
	_, err = js.AddStream(sc)
	return err
}
