// Package natsbus mirrors farm events onto NATS so other services can follow
// a slot without holding a websocket.
package natsbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"darkfarm.ai/internal/protocol"
)

const DefaultSubjectPrefix = "darkfarm"

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// msgPublisher is the part of *nats.Conn the publisher needs.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher is a world event sink. Publishing is fire-and-forget: core NATS
// buffers writes and the world loop never waits on the network.
type Publisher struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
}

func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	opts := []nats.Option{
		nats.Name("darkfarm-server"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newPublisher(nc, cfg.SubjectPrefix)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject is <prefix>.<slot>.<event type>. Characters NATS treats as
// separators or wildcards are replaced in the slot id.
func (p *Publisher) Subject(slotID, eventType string) string {
	return p.prefix + "." + subjectToken(slotID) + "." + subjectToken(eventType)
}

func (p *Publisher) WriteEvent(slotID string, ev protocol.Event) error {
	typ, _ := ev["type"].(string)
	if typ == "" {
		typ = "UNKNOWN"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.Subject(slotID, typ),
		Data:    data,
		Header: nats.Header{
			"Slot-ID":    []string{slotID},
			"Event-Type": []string{typ},
		},
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending publishes.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
