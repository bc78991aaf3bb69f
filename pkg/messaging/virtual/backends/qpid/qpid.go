// Package qpid is a virtual-transport backend over an Apache Qpid broker
// speaking AMQP 1.0. Unlike the other backends, Qpid already understands
// queues and addresses natively, so Put/Get map almost directly onto
// AMQP 1.0 send/receive links rather than emulating queue semantics from a
// simpler primitive.
package qpid

import (
	"context"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
)

// shortPoll bounds each Get's blocking receive so the backend behaves like
// the engine's other non-blocking Get implementations instead of hanging
// until a message arrives.
const shortPoll = 200 * time.Millisecond

// Config holds the Qpid broker connection address.
type Config struct {
	URL      string `env:"VT_QPID_URL" env-default:"amqp://localhost:5672"`
	Username string `env:"VT_QPID_USERNAME"`
	Password string `env:"VT_QPID_PASSWORD"`
}

// Backend implements virtual.Backend over an AMQP 1.0 connection, opening
// one sender and one receiver link per queue, lazily and cached.
type Backend struct {
	cfg  Config
	conn *amqp.Conn

	mu        sync.Mutex
	sessions  map[string]*amqp.Session
	senders   map[string]*amqp.Sender
	receivers map[string]*amqp.Receiver
}

// New dials the Qpid broker.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := &amqp.ConnOptions{}
	if cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
	}
	conn, err := amqp.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial qpid broker at "+cfg.URL)
	}
	return &Backend{
		cfg:       cfg,
		conn:      conn,
		sessions:  make(map[string]*amqp.Session),
		senders:   make(map[string]*amqp.Sender),
		receivers: make(map[string]*amqp.Receiver),
	}, nil
}

func (b *Backend) sessionFor(ctx context.Context, queue string) (*amqp.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[queue]; ok {
		return s, nil
	}
	s, err := b.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open qpid session for queue "+queue)
	}
	b.sessions[queue] = s
	return s, nil
}

func (b *Backend) senderFor(ctx context.Context, queue string) (*amqp.Sender, error) {
	b.mu.Lock()
	if s, ok := b.senders[queue]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	session, err := b.sessionFor(ctx, queue)
	if err != nil {
		return nil, err
	}
	sender, err := session.NewSender(ctx, queue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open qpid sender for queue "+queue)
	}
	b.mu.Lock()
	b.senders[queue] = sender
	b.mu.Unlock()
	return sender, nil
}

func (b *Backend) receiverFor(ctx context.Context, queue string) (*amqp.Receiver, error) {
	b.mu.Lock()
	if r, ok := b.receivers[queue]; ok {
		b.mu.Unlock()
		return r, nil
	}
	b.mu.Unlock()

	session, err := b.sessionFor(ctx, queue)
	if err != nil {
		return nil, err
	}
	receiver, err := session.NewReceiver(ctx, queue, &amqp.ReceiverOptions{
		SettlementMode: amqp.ReceiverSettleModeFirst.Ptr(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open qpid receiver for queue "+queue)
	}
	b.mu.Lock()
	b.receivers[queue] = receiver
	b.mu.Unlock()
	return receiver, nil
}

func (b *Backend) Put(ctx context.Context, queue string, payload []byte, priority int) error {
	sender, err := b.senderFor(ctx, queue)
	if err != nil {
		return err
	}
	msg := amqp.NewMessage(payload)
	if priority > 0 {
		if msg.Header == nil {
			msg.Header = &amqp.MessageHeader{}
		}
		msg.Header.Priority = uint8(priority)
	}
	if err := sender.Send(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send message to qpid queue "+queue)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, queue string) ([]byte, error) {
	receiver, err := b.receiverFor(ctx, queue)
	if err != nil {
		return nil, err
	}
	recvCtx, cancel := context.WithTimeout(ctx, shortPoll)
	defer cancel()
	msg, err := receiver.Receive(recvCtx, nil)
	if err != nil {
		if recvCtx.Err() != nil {
			return nil, virtual.ErrEmpty
		}
		return nil, errors.Wrap(err, "failed to receive message from qpid queue "+queue)
	}
	_ = receiver.AcceptMessage(ctx, msg)
	return msg.GetData(), nil
}

func (b *Backend) Size(ctx context.Context, queue string) (int, error) {
	// Qpid's management API exposes queue depth, but the core AMQP 1.0
	// client used here has no portable management surface; depth is
	// therefore unavailable short of a broker-specific management query,
	// which this backend does not implement.
	return 0, nil
}

func (b *Backend) Purge(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		if _, err := b.Get(ctx, queue); err != nil {
			if err == virtual.ErrEmpty {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

func (b *Backend) Delete(ctx context.Context, queue string) error {
	_, err := b.Purge(ctx, queue)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.senders, queue)
	delete(b.receivers, queue)
	delete(b.sessions, queue)
	return err
}

func (b *Backend) HasQueue(ctx context.Context, queue string) (bool, error) {
	_, err := b.senderFor(ctx, queue)
	return err == nil, nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.conn.Close()
}
