// Package couchdb is a virtual-transport backend over a CouchDB database,
// grounded on the donor system's pycouchdb transport: each queue is a
// logical partition of one database, and messages are documents tagged with
// their queue name. Get looks up a ready document with a Mango _find query
// on every call; the database's _changes feed sequence number is kept per
// queue as a cursor only by the AsyncReady readiness watcher, so that it
// asks "what changed since last time" instead of rescanning.
//
// No CouchDB client exists in this module's dependency stack, and CouchDB's
// HTTP API is simple enough (PUT/GET/DELETE over JSON documents) that this
// backend talks to it directly over net/http rather than adding one.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	"github.com/google/uuid"
)

// changesPollInterval governs how often a queue's _changes feed is polled
// once something starts watching it via AsyncReady.
const changesPollInterval = 250 * time.Millisecond

// Config holds the CouchDB connection parameters.
type Config struct {
	BaseURL  string `env:"VT_COUCHDB_URL" env-default:"http://localhost:5984"`
	Database string `env:"VT_COUCHDB_DATABASE" env-default:"vtransport"`
	Username string `env:"VT_COUCHDB_USERNAME"`
	Password string `env:"VT_COUCHDB_PASSWORD"`
}

// Backend implements virtual.Backend over one CouchDB database holding
// documents for every queue, distinguished by a "queue" field.
type Backend struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	cursor  map[string]string       // queue -> last-seen _changes "since" token
	watched map[string]chan struct{} // queue -> readiness channel for AsyncReady
}

type document struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Queue   string `json:"queue"`
	Payload string `json:"payload"`
	Ready   bool   `json:"ready"`
}

type changesRow struct {
	Seq string `json:"seq"`
	ID  string `json:"id"`
	Doc struct {
		document
	} `json:"doc"`
}

type changesResponse struct {
	Results []changesRow `json:"results"`
	LastSeq string       `json:"last_seq"`
}

// New verifies the target database exists, creating it if absent.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{
		cfg:     cfg,
		client:  &http.Client{},
		cursor:  make(map[string]string),
		watched: make(map[string]chan struct{}),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.dbURL(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build couchdb create-database request")
	}
	b.authenticate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach couchdb at "+cfg.BaseURL)
	}
	defer resp.Body.Close()
	// 201 Created or 412 Precondition Failed (already exists) are both fine.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusPreconditionFailed {
		return nil, errors.New(virtual.CodeConnectionError, fmt.Sprintf("unexpected couchdb status %d creating database", resp.StatusCode), nil)
	}
	return b, nil
}

func (b *Backend) dbURL() string {
	return fmt.Sprintf("%s/%s", b.cfg.BaseURL, b.cfg.Database)
}

func (b *Backend) authenticate(req *http.Request) {
	if b.cfg.Username != "" {
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (b *Backend) Put(ctx context.Context, queue string, payload []byte, _ int) error {
	doc := document{
		ID:      uuid.New().String(),
		Queue:   queue,
		Payload: string(payload),
		Ready:   true,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal couchdb document")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/%s", b.dbURL(), doc.ID), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build couchdb put request")
	}
	b.authenticate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to write document to couchdb")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errors.New(virtual.CodeChannelError, fmt.Sprintf("unexpected couchdb status %d on put", resp.StatusCode), nil)
	}
	return nil
}

// Get finds one ready document for queue via CouchDB's Mango _find query
// (equivalent to pycouchdb's view-based lookup); the query carries no sort,
// so documents are not returned in insertion order. It then marks it
// consumed by a conditional update keyed on its _rev, so a racing consumer
// loses the update and falls through to ErrEmpty on its own attempt.
func (b *Backend) Get(ctx context.Context, queue string) ([]byte, error) {
	query := map[string]any{
		"selector": map[string]any{
			"queue": queue,
			"ready": true,
		},
		"limit": 1,
	}
	body, _ := json.Marshal(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.dbURL()+"/_find", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build couchdb _find request")
	}
	b.authenticate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query couchdb")
	}
	defer resp.Body.Close()

	var result struct {
		Docs []document `json:"docs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to decode couchdb _find response")
	}
	if len(result.Docs) == 0 {
		return nil, virtual.ErrEmpty
	}
	doc := result.Docs[0]

	doc.Ready = false
	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal couchdb document update")
	}
	updReq, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/%s", b.dbURL(), doc.ID), bytes.NewReader(updated))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build couchdb update request")
	}
	b.authenticate(updReq)
	updResp, err := b.client.Do(updReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark couchdb document consumed")
	}
	defer updResp.Body.Close()
	if updResp.StatusCode == http.StatusConflict {
		// lost the race with another consumer; caller will retry.
		return nil, virtual.ErrEmpty
	}
	if updResp.StatusCode != http.StatusCreated {
		return nil, errors.New(virtual.CodeChannelError, fmt.Sprintf("unexpected couchdb status %d marking consumed", updResp.StatusCode), nil)
	}
	return []byte(doc.Payload), nil
}

// pollChanges advances this queue's _changes cursor and returns documents
// that became ready since the last poll, supplementing Get for consumers
// that want push-like notification instead of scan-on-demand.
func (b *Backend) pollChanges(ctx context.Context, queue string) ([]document, error) {
	b.mu.Lock()
	since, ok := b.cursor[queue]
	b.mu.Unlock()
	if !ok {
		since = "0"
	}

	url := fmt.Sprintf("%s/_changes?include_docs=true&since=%s", b.dbURL(), since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build couchdb _changes request")
	}
	b.authenticate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to poll couchdb _changes feed")
	}
	defer resp.Body.Close()

	var parsed changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode couchdb _changes response")
	}

	b.mu.Lock()
	b.cursor[queue] = parsed.LastSeq
	b.mu.Unlock()

	var docs []document
	for _, row := range parsed.Results {
		if row.Doc.Queue == queue && row.Doc.Ready {
			docs = append(docs, row.Doc.document)
		}
	}
	return docs, nil
}

// AsyncReady implements virtual.AsyncReadinessSource. The first call for a
// given queue starts a background goroutine that polls the _changes feed at
// changesPollInterval via pollChanges and ticks the returned channel whenever
// a newly-ready document shows up, so the scheduler doesn't have to fall back
// to its default polling interval for this backend.
func (b *Backend) AsyncReady(queue string) <-chan struct{} {
	b.mu.Lock()
	ch, ok := b.watched[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.watched[queue] = ch
		go b.watchChanges(queue, ch)
	}
	b.mu.Unlock()
	return ch
}

func (b *Backend) watchChanges(queue string, notify chan struct{}) {
	ticker := time.NewTicker(changesPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		docs, err := b.pollChanges(context.Background(), queue)
		if err != nil || len(docs) == 0 {
			continue
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (b *Backend) Size(ctx context.Context, queue string) (int, error) {
	query := map[string]any{
		"selector": map[string]any{
			"queue": queue,
			"ready": true,
		},
	}
	body, _ := json.Marshal(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.dbURL()+"/_find", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "failed to build couchdb _find request")
	}
	b.authenticate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query couchdb")
	}
	defer resp.Body.Close()
	var result struct {
		Docs []document `json:"docs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, errors.Wrap(err, "failed to decode couchdb _find response")
	}
	return len(result.Docs), nil
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
	delete(b.cursor, queue)
	b.mu.Unlock()
	return err
}

func (b *Backend) HasQueue(ctx context.Context, queue string) (bool, error) {
	n, err := b.Size(ctx, queue)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
