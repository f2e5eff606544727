// Package natsbus publishes session events to NATS.
//
// Every event becomes one JSON [transcript.Message] on the subject
// <prefix>.<session id>.<kind>, for example
// livevoice.sessions.5f0c….transcript. Subscribers that want everything use
// <prefix>.>.
package natsbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/livevoice/internal/transcript"
)

var _ transcript.Publisher = (*Publisher)(nil)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "livevoice.sessions"

// Config holds connection settings for [Connect].
type Config struct {
	// Servers are NATS URLs, e.g. "nats://localhost:4222".
	Servers []string

	// SubjectPrefix is prepended to every subject.
	SubjectPrefix string

	ConnectTimeout time.Duration
	Username       string
	Password       string
	Token          string
	TLSInsecure    bool
}

// Publisher sends [transcript.Message]s over a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials the configured servers.
func Connect(cfg Config, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("natsbus: no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}

	options := []nats.Option{nats.Name("livevoice")}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}, nil
}

// Subject returns the subject msg is published on.
func (p *Publisher) Subject(msg transcript.Message) string {
	return p.prefix + "." + token(msg.SessionID) + "." + token(msg.Kind)
}

// Publish implements [transcript.Publisher].
func (p *Publisher) Publish(ctx context.Context, msg transcript.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("natsbus: encode message: %w", err)
	}
	if err := p.conn.Publish(p.Subject(msg), data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Ping satisfies the health checker signature.
func (p *Publisher) Ping(context.Context) error {
	if !p.Healthy() {
		return errors.New("natsbus: not connected")
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.log.Info("closing NATS connection")
	err := p.conn.Drain()
	p.conn.Close()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
