// ABOUTME: NATS implementation of the job event publisher
// ABOUTME: Publishes JSON events per agent subject and lets agents subscribe to their own

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL            string
	Token          string
	SubjectPrefix  string
	ConnectionName string
	MaxReconnect   int
	ReconnectWait  time.Duration
}

// NATSPublisher publishes events to NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to the configured server.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "dispatch"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	logger.Info("NATS publisher connected", "url", conn.ConnectedUrl(), "prefix", cfg.SubjectPrefix)
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Publish sends ev on <prefix>.job.<kind>.<agent_id>.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := Subject(p.prefix, ev.Kind, ev.AgentID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// SubscribeJobs calls fn for every job.created event addressed to agentID.
func (p *NATSPublisher) SubscribeJobs(agentID string, fn func(Event)) (*nats.Subscription, error) {
	subject := Subject(p.prefix, KindJobCreated, agentID)
	return p.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
