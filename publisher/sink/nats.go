package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	natsPublishTimeout = 5 * time.Second
	natsStreamMaxAge   = 24 * time.Hour
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Format)
	})
}

// NatsSink publishes feed records to JetStream. Subjects are grouped into
// one stream per leading subject token, so "conveyor.ftrack.update" and
// "conveyor.avalon.sync" share the "conveyor" stream.
type NatsSink struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	contentType string

	// stream name -> created; ensured once per sink lifetime
	streams *xsync.MapOf[string, struct{}]
}

var _ publisher.Sink = (*NatsSink)(nil)

func NewNatsSink(url, format string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("conveyor-feed"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:          nc,
		js:          js,
		contentType: contentTypes[format],
		streams:     xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Publish sends value on subject topic; key travels in the "key" header
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = value
	msg.Header.Set("key", key)
	if n.contentType != "" {
		msg.Header.Set("content-type", n.contentType)
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	name, subjects := streamFor(subject)
	if _, ok := n.streams.Load(name); ok {
		return nil
	}

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    natsStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	n.streams.Store(name, struct{}{})
	return nil
}

func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamFor returns the stream owning subject and the subjects it captures
func streamFor(subject string) (string, []string) {
	root, _, _ := strings.Cut(subject, ".")
	return sanitizeStreamName(root), []string{root, root + ".>"}
}

// sanitizeStreamName maps characters JetStream rejects in stream names to "_"
func sanitizeStreamName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}
