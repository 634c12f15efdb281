package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

// HeaderMessageType carries the model.MessageType of a payload.
const HeaderMessageType = "Pv-Message-Type"

// NATSOptions configures a NATSTransport.
type NATSOptions struct {
	URL            string
	Stream         string
	SubjectPrefix  string
	PollInterval   time.Duration
	ConnectTimeout time.Duration
}

// NATSTransport maps each queue to a subject of one work-queue stream and
// consumes it through a durable pull consumer. Messages are acked as soon as
// they are fetched; the state store carries the request from there on.
type NATSTransport struct {
	opts   NATSOptions
	logger pv.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     jetstream.JetStream
	gen    int
	closed bool

	cmu       sync.Mutex
	consumers map[string]jetstream.Consumer
}

var _ pv.Transport = (*NATSTransport)(nil)

// NewNATSTransport connects and makes sure the stream exists.
func NewNATSTransport(ctx context.Context, opts NATSOptions, logger pv.Logger) (*NATSTransport, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Stream == "" {
		opts.Stream = "PV"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "pv"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = pv.NewNopLogger()
	}
	t := &NATSTransport{
		opts:      opts,
		logger:    pv.With(logger, "transport", "nats", "stream", opts.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *NATSTransport) connect(ctx context.Context) error {
	nc, err := nats.Connect(t.opts.URL,
		nats.Name("pv"),
		nats.Timeout(t.opts.ConnectTimeout),
		// Reconnects are driven per operation, see withReconnect.
		nats.NoReconnect(),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %v", pv.ErrTransport, t.opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: creating JetStream context: %v", pv.ErrTransport, err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.opts.Stream,
		Subjects:  []string{t.opts.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: ensuring stream %s: %v", pv.ErrTransport, t.opts.Stream, err)
	}

	t.nc = nc
	t.js = js
	t.gen++
	t.cmu.Lock()
	t.consumers = make(map[string]jetstream.Consumer)
	t.cmu.Unlock()
	t.logger.Info("connected to NATS", "url", nc.ConnectedUrl())
	return nil
}

// withReconnect runs op, and on failure reconnects once and runs it again.
// Operations share the connection; a reconnect swaps it for everyone.
func (t *NATSTransport) withReconnect(ctx context.Context, what string, op func(js jetstream.JetStream) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", pv.ErrTransport)
	}
	js, gen := t.js, t.gen
	t.mu.Unlock()

	err := op(js)
	if err == nil || ctx.Err() != nil {
		return err
	}
	t.logger.Warn("transport operation failed, reconnecting", "operation", what, "error", err)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", pv.ErrTransport)
	}
	if t.gen == gen {
		if t.nc != nil {
			t.nc.Close()
		}
		if cerr := t.connect(ctx); cerr != nil {
			t.mu.Unlock()
			return fmt.Errorf("%s: %w", what, cerr)
		}
	}
	js = t.js
	t.mu.Unlock()

	if err := op(js); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after reconnect: %v", pv.ErrTransport, what, err)
	}
	return nil
}

func (t *NATSTransport) subject(queue string) string {
	return t.opts.SubjectPrefix + "." + queue
}

// durableName turns a queue name into a valid consumer name.
func durableName(queue string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return "pv_" + r.Replace(queue)
}

func (t *NATSTransport) consumer(ctx context.Context, js jetstream.JetStream, queue string) (jetstream.Consumer, error) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	if c, ok := t.consumers[queue]; ok {
		return c, nil
	}
	c, err := js.CreateOrUpdateConsumer(ctx, t.opts.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: t.subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, err
	}
	t.consumers[queue] = c
	return c, nil
}

func (t *NATSTransport) Publish(ctx context.Context, queue string, msg model.Message) error {
	typ, payload, err := model.Encode(msg)
	if err != nil {
		return err
	}
	return t.withReconnect(ctx, "publish", func(js jetstream.JetStream) error {
		m := nats.NewMsg(t.subject(queue))
		m.Header.Set(HeaderMessageType, string(typ))
		m.Data = payload
		_, err := js.PublishMsg(ctx, m)
		return err
	})
}

func (t *NATSTransport) Receive(ctx context.Context, queue string) (model.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var got jetstream.Msg
		err := t.withReconnect(ctx, "receive", func(js jetstream.JetStream) error {
			c, err := t.consumer(ctx, js, queue)
			if err != nil {
				return err
			}
			batch, err := c.Fetch(1, jetstream.FetchMaxWait(t.opts.PollInterval))
			if err != nil {
				return err
			}
			for m := range batch.Messages() {
				got = m
			}
			if err := batch.Error(); err != nil && !isEmptyFetch(err) {
				return err
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if got == nil {
			continue
		}
		if err := got.Ack(); err != nil {
			t.logger.Warn("ack failed", "queue", queue, "error", err)
		}
		typ := model.MessageType(got.Headers().Get(HeaderMessageType))
		return model.Decode(typ, got.Data()), nil
	}
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages)
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.nc == nil {
		return nil
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}
