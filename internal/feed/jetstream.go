// ABOUTME: Change feed backed by a NATS JetStream stream
// ABOUTME: Positions are stream sequences; an ordered consumer resumes from the next one

package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/weave-gateway/internal/store"
)

// JetStreamConfig names the stream and subject carrying stored messages.
type JetStreamConfig struct {
	URL     string
	Stream  string
	Subject string
	MaxAge  time.Duration
}

// JetStream holds one NATS connection and serves as both the feed and
// the publisher for a PublishingStore.
type JetStream struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger
}

// NewJetStream connects to NATS and creates or updates the stream.
func NewJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jetstream-feed")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("weave-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}

	logger.Info("jetstream feed ready", "stream", cfg.Stream, "subject", cfg.Subject)
	return &JetStream{cfg: cfg, nc: nc, js: js, stream: stream, logger: logger}, nil
}

// Publish appends a stored message to the stream.
func (j *JetStream) Publish(ctx context.Context, msg *store.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	// The message ID doubles as the JetStream dedupe ID.
	if _, err := j.js.Publish(ctx, j.cfg.Subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("publishing to %s: %w", j.cfg.Subject, err)
	}
	return nil
}

// Head returns the last stream sequence.
func (j *JetStream) Head(ctx context.Context) (Position, error) {
	info, err := j.stream.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("reading stream info: %w", err)
	}
	return Position(strconv.FormatUint(info.State.LastSeq, 10)), nil
}

// Watch consumes the stream from the sequence after from.
func (j *JetStream) Watch(ctx context.Context, from Position, fn Handler) error {
	if from == "" {
		head, err := j.Head(ctx)
		if err != nil {
			return err
		}
		from = head
	}
	last, err := strconv.ParseUint(string(from), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPosition, from)
	}

	cons, err := j.js.OrderedConsumer(ctx, j.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{j.cfg.Subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    last + 1,
	})
	if err != nil {
		return fmt.Errorf("creating ordered consumer: %w", err)
	}

	errCh := make(chan error, 1)
	cc, err := cons.Consume(func(m jetstream.Msg) {
		meta, err := m.Metadata()
		if err != nil {
			j.logger.Warn("skipping record without metadata", "error", err)
			return
		}
		pos := Position(strconv.FormatUint(meta.Sequence.Stream, 10))

		msg, err := decodeMessage(m.Data())
		if err != nil {
			j.logger.Warn("skipping undecodable record", "stream_seq", meta.Sequence.Stream, "error", err)
			return
		}
		fn(pos, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, nats.ErrConnectionClosed) {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		j.logger.Debug("consumer warning", "error", err)
	}))
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("jetstream consumer detached: %w", err)
	case <-cc.Closed():
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("jetstream consumer closed")
	}
}

// Close drains the NATS connection.
func (j *JetStream) Close() error {
	if j.nc == nil {
		return nil
	}
	return j.nc.Drain()
}
