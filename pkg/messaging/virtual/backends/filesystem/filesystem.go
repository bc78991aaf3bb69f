// Package filesystem is a virtual-transport backend that stores each
// message as a single file in a directory, guarded by advisory file locks
// so multiple processes sharing the same directory don't race.
//
// Grounded on the donor system's own filesystem transport: messages written
// to a queue land in dataFolderOut named "<unix-ms>_<uuid>.<queue>.msg"
// and are read back from dataFolderIn filtered by the ".<queue>.msg" suffix,
// oldest filename first.
package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	"github.com/google/uuid"
)

// Config points the backend at its message directories.
type Config struct {
	DataFolderIn  string `env:"VT_FS_DATA_IN" env-default:"./data_in"`
	DataFolderOut string `env:"VT_FS_DATA_OUT" env-default:"./data_out"`
}

// Backend implements virtual.Backend over a directory pair.
type Backend struct {
	cfg Config
	mu  sync.Mutex
}

// New creates a filesystem backend, creating its directories if absent.
func New(cfg Config) (*Backend, error) {
	if cfg.DataFolderIn == "" {
		cfg.DataFolderIn = "./data_in"
	}
	if cfg.DataFolderOut == "" {
		cfg.DataFolderOut = "./data_out"
	}
	for _, dir := range []string{cfg.DataFolderIn, cfg.DataFolderOut} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create filesystem transport directory "+dir)
		}
	}
	return &Backend{cfg: cfg}, nil
}

func messageSuffix(queue string) string {
	return "." + queue + ".msg"
}

func (b *Backend) Put(_ context.Context, queue string, payload []byte, _ int) error {
	name := filepath.Join(b.cfg.DataFolderOut,
		strconv.FormatInt(time.Now().UnixMilli(), 10)+"_"+uuid.New().String()+messageSuffix(queue))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create message file "+name)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return errors.Wrap(err, "failed to lock message file "+name)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write message file "+name)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	suffix := messageSuffix(queue)
	entries, err := os.ReadDir(b.cfg.DataFolderIn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list "+b.cfg.DataFolderIn)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, virtual.ErrEmpty
	}

	path := filepath.Join(b.cfg.DataFolderIn, names[0])
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, virtual.ErrEmpty // raced with another reader
		}
		return nil, errors.Wrap(err, "failed to open message file "+path)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return nil, errors.Wrap(err, "failed to lock message file "+path)
	}
	payload, err := os.ReadFile(path)
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message file "+path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to remove consumed message file "+path)
	}
	return payload, nil
}

func (b *Backend) Size(_ context.Context, queue string) (int, error) {
	suffix := messageSuffix(queue)
	entries, err := os.ReadDir(b.cfg.DataFolderIn)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list "+b.cfg.DataFolderIn)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			n++
		}
	}
	return n, nil
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
	return err
}

func (b *Backend) HasQueue(_ context.Context, queue string) (bool, error) {
	suffix := messageSuffix(queue)
	entries, err := os.ReadDir(b.cfg.DataFolderIn)
	if err != nil {
		return false, errors.Wrap(err, "failed to list "+b.cfg.DataFolderIn)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return true, nil
		}
	}
	return false, nil
}
