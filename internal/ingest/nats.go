package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Listener consumes feed payloads from a NATS subject and runs them through
// the pipeline.
type Listener struct {
	conn    *nats.Conn
	subject string
	pipe    *Pipeline
	log     zerolog.Logger
}

// NewListener connects to a NATS server. The connection reconnects forever;
// a feed outage must not kill the ingester.
func NewListener(url, subject string, pipe *Pipeline, log zerolog.Logger) (*Listener, error) {
	conn, err := nats.Connect(url,
		nats.Name("adsb-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return &Listener{conn: conn, subject: subject, pipe: pipe, log: log}, nil
}

// Run subscribes and processes messages until the context is canceled, then
// drains the subscription and flushes the archive buffer.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.conn.Subscribe(l.subject, func(m *nats.Msg) {
		l.handle(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}

	l.log.Info().Str("subject", l.subject).Msg("Listening for feed messages")
	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		l.log.Warn().Err(err).Msg("Drain failed")
	}
	l.conn.Close()

	return l.pipe.Flush(context.Background())
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	snap, err := DecodeFeedMessage(data)
	if err != nil {
		l.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable feed payload")
		return
	}
	if err := l.pipe.ProcessSnapshot(ctx, snap); err != nil {
		l.log.Warn().Err(err).Msg("Snapshot processing interrupted")
	}
}
