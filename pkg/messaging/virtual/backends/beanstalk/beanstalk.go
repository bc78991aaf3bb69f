// Package beanstalk is a virtual-transport backend over beanstalkd's text
// protocol. No maintained third-party beanstalkd client exists in this
// module's dependency stack, and the wire protocol is a handful of
// line-oriented verbs (use/put, watch/reserve, delete), so this backend
// speaks it directly over a net.Conn rather than pulling in a client — the
// same trade the donor system makes with its own hand-rolled protocol
// encoder rather than a vendored library.
//
// Unlike every other backend, beanstalkd has native job priority, so
// priority here maps directly onto the put command's priority field instead
// of the engine's bucket-queue emulation: buckets are inverted first
// (lower beanstalkd value = higher priority) via maxPriority - priority.
package beanstalk

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
)

// Config holds the beanstalkd connection address and priority range.
type Config struct {
	Addr        string `env:"VT_BEANSTALK_ADDR" env-default:"localhost:11300"`
	MaxPriority int    `env:"VT_BEANSTALK_MAX_PRIORITY" env-default:"9"`
}

// Backend implements virtual.Backend over a single beanstalkd connection.
// beanstalkd serializes tube selection per connection (use/watch are
// connection-global), so every call locks the connection for its duration.
type Backend struct {
	cfg  Config
	conn net.Conn
	rw   *bufio.ReadWriter
	mu   sync.Mutex

	// reservedJobID maps a delivery identity back to its beanstalkd job ID so
	// a later delete (ack) can address it; the engine only carries opaque
	// payload bytes through Get, so this is keyed by queue since beanstalkd
	// reservation is already serialized per tube per connection.
	reservedJobID map[string]uint64
}

// New dials beanstalkd.
func New(cfg Config) (*Backend, error) {
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = 9
	}
	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial beanstalkd at "+cfg.Addr)
	}
	return &Backend{
		cfg:           cfg,
		conn:          conn,
		rw:            bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		reservedJobID: make(map[string]uint64),
	}, nil
}

func (b *Backend) command(format string, args ...any) (string, error) {
	if _, err := fmt.Fprintf(b.rw, format+"\r\n", args...); err != nil {
		return "", err
	}
	if err := b.rw.Flush(); err != nil {
		return "", err
	}
	line, err := b.rw.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *Backend) use(queue string) error {
	resp, err := b.command("use %s", queue)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "USING") {
		return errors.New(virtual.CodeChannelError, "beanstalkd use failed: "+resp, nil)
	}
	return nil
}

func (b *Backend) watch(queue string) error {
	resp, err := b.command("watch %s", queue)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "WATCHING") {
		return errors.New(virtual.CodeChannelError, "beanstalkd watch failed: "+resp, nil)
	}
	return nil
}

// nativePriority inverts the engine's 0-9 priority scale into beanstalkd's
// 0-is-highest scale.
func (b *Backend) nativePriority(priority int) int {
	if priority < 0 {
		priority = 0
	}
	if priority > b.cfg.MaxPriority {
		priority = b.cfg.MaxPriority
	}
	return b.cfg.MaxPriority - priority
}

func (b *Backend) Put(_ context.Context, queue string, payload []byte, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.use(queue); err != nil {
		return err
	}
	header := fmt.Sprintf("put %d 0 120 %d", b.nativePriority(priority), len(payload))
	if _, err := fmt.Fprintf(b.rw, "%s\r\n%s\r\n", header, payload); err != nil {
		return errors.Wrap(err, "failed to write beanstalkd put command")
	}
	if err := b.rw.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush beanstalkd put command")
	}
	resp, err := b.rw.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "failed to read beanstalkd put response")
	}
	if !strings.HasPrefix(resp, "INSERTED") {
		return errors.New(virtual.CodeChannelError, "beanstalkd put failed: "+strings.TrimSpace(resp), nil)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.watch(queue); err != nil {
		return nil, err
	}
	resp, err := b.command("reserve-with-timeout 0")
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve beanstalkd job")
	}
	if strings.HasPrefix(resp, "TIMED_OUT") || strings.HasPrefix(resp, "DEADLINE_SOON") {
		return nil, virtual.ErrEmpty
	}
	if !strings.HasPrefix(resp, "RESERVED") {
		return nil, errors.New(virtual.CodeChannelError, "beanstalkd reserve failed: "+resp, nil)
	}
	fields := strings.Fields(resp)
	if len(fields) != 3 {
		return nil, errors.New(virtual.CodeChannelError, "malformed beanstalkd reserve response: "+resp, nil)
	}
	jobID, _ := strconv.ParseUint(fields[1], 10, 64)
	size, _ := strconv.Atoi(fields[2])

	body := make([]byte, size+2) // +2 for trailing CRLF
	if _, err := readFull(b.rw, body); err != nil {
		return nil, errors.Wrap(err, "failed to read beanstalkd job body")
	}

	b.reservedJobID[queue] = jobID
	return body[:size], nil
}

func readFull(r *bufio.ReadWriter, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// AckJob deletes the job last reserved from queue by Get, addressed by its
// beanstalkd job ID. virtual.Channel.BasicAck does not call it: deliveries
// made through a Channel are still tracked by the engine's QoS manager, and
// a reserved job that is never deleted is re-queued by beanstalkd after its
// time-to-run.
func (b *Backend) AckJob(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobID, ok := b.reservedJobID[queue]
	if !ok {
		return nil
	}
	delete(b.reservedJobID, queue)
	resp, err := b.command("delete %d", jobID)
	if err != nil {
		return errors.Wrap(err, "failed to delete beanstalkd job")
	}
	if !strings.HasPrefix(resp, "DELETED") {
		return errors.New(virtual.CodeChannelError, "beanstalkd delete failed: "+resp, nil)
	}
	return nil
}

func (b *Backend) Size(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.command("stats-tube %s", queue)
	if err != nil || !strings.HasPrefix(resp, "OK") {
		return 0, nil
	}
	fields := strings.Fields(resp)
	if len(fields) != 2 {
		return 0, nil
	}
	n, _ := strconv.Atoi(fields[1])
	stats, err := readYAMLBody(b.rw, n)
	if err != nil {
		return 0, nil
	}
	return parseTubeStat(stats, "current-jobs-ready"), nil
}

func readYAMLBody(r *bufio.ReadWriter, size int) (string, error) {
	buf := make([]byte, size+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:size]), nil
}

func parseTubeStat(yaml, key string) int {
	for _, line := range strings.Split(yaml, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, key+":") {
			v := strings.TrimSpace(strings.TrimPrefix(line, key+":"))
			n, _ := strconv.Atoi(v)
			return n
		}
	}
	return 0
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
		if err := b.AckJob(ctx, queue); err != nil {
			return n, err
		}
		n++
	}
}

// Delete purges the tube. beanstalkd has no drop-the-tube command; an
// emptied tube with no watchers is reclaimed by the server on its own.
func (b *Backend) Delete(ctx context.Context, queue string) error {
	_, err := b.Purge(ctx, queue)
	return err
}

func (b *Backend) HasQueue(_ context.Context, queue string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, err := b.command("stats-tube %s", queue)
	if err != nil {
		return false, errors.Wrap(err, "failed to stat beanstalkd tube")
	}
	if strings.HasPrefix(resp, "NOT_FOUND") {
		return false, nil
	}
	// drain the YAML body this connection is now expecting.
	fields := strings.Fields(resp)
	if len(fields) == 2 {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			_, _ = readYAMLBody(b.rw, n)
		}
	}
	return true, nil
}

func (b *Backend) Close() error {
	return b.conn.Close()
}
