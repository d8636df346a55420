// Package badger implements the job store on BadgerHold, an embedded
// pure-Go key/value store. Multi-record operations are serialized by a
// process-wide mutex, which is sound because Badger is single-process.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
)

// Store is a BadgerHold-backed JobStore.
type Store struct {
	db     *badgerhold.Store
	logger *common.Logger

	// mu guards claim, requeue, and event id assignment, which read and
	// write multiple records.
	mu sync.Mutex
}

var _ interfaces.JobStore = (*Store)(nil)

// jobDoc is the persisted job representation. The request is kept as JSON
// so the encoding stays identical across backends. Timestamps are unix
// nanoseconds with 0 meaning unset.
type jobDoc struct {
	ID              string
	JobType         string
	Provider        string
	Collection      string
	RequestJSON     []byte
	State           string `badgerholdIndex:"State"`
	Progress        float64
	BytesDownloaded int64
	BytesTotal      int64
	WorkerID        string
	StartedAt       int64
	FinishedAt      int64
	Errors          []string
	CreatedAt       int64
	UpdatedAt       int64
}

// eventDoc is one persisted event. ID doubles as the badgerhold key.
type eventDoc struct {
	ID          int64
	JobID       string `badgerholdIndex:"JobID"`
	Type        string
	Timestamp   int64
	PayloadJSON []byte
}

// resultDoc is one persisted job result, keyed by job id.
type resultDoc struct {
	JobID      string
	ResultJSON []byte
}

// counterDoc holds the global event id sequence.
type counterDoc struct {
	N int64
}

const eventCounterKey = "event_id"

// NewStore creates a new BadgerHold job store at the given directory path.
func NewStore(path string, logger *common.Logger) (*Store, error) {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory %s: %w", path, err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // Disable default badger logger

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("BadgerHold job store opened")

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

// Ping reports an error when the underlying database has been closed.
func (s *Store) Ping(_ context.Context) error {
	if s.db == nil || s.db.Badger().IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close closes the BadgerHold database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func optionalTime(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func optionalNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UTC().UnixNano()
}
