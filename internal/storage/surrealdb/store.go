// Package surrealdb implements the job store on SurrealDB, for deployments
// where several service instances share one database. Claims rely on
// SurrealDB's atomic single-record updates.
package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
)

// Store is a SurrealDB-backed JobStore.
type Store struct {
	db     *surrealdb.DB
	logger *common.Logger
}

var _ interfaces.JobStore = (*Store)(nil)

// jobFields lists the job columns selected back into jobDoc. The surreal
// record id is never selected; job_id is the identifier everywhere.
const jobFields = `job_id, job_type, provider, collection, request_json, state,
	progress, bytes_downloaded, bytes_total, worker_id, started_at_ns,
	finished_at_ns, errors, created_at_ns, updated_at_ns`

// jobDoc is the persisted job representation. Timestamps are unix
// nanoseconds with 0 meaning unset, so SurrealQL comparisons stay numeric.
type jobDoc struct {
	ID              string   `json:"job_id"`
	JobType         string   `json:"job_type"`
	Provider        string   `json:"provider"`
	Collection      string   `json:"collection"`
	RequestJSON     string   `json:"request_json"`
	State           string   `json:"state"`
	Progress        float64  `json:"progress"`
	BytesDownloaded int64    `json:"bytes_downloaded"`
	BytesTotal      int64    `json:"bytes_total"`
	WorkerID        string   `json:"worker_id"`
	StartedAt       int64    `json:"started_at_ns"`
	FinishedAt      int64    `json:"finished_at_ns"`
	Errors          []string `json:"errors"`
	CreatedAt       int64    `json:"created_at_ns"`
	UpdatedAt       int64    `json:"updated_at_ns"`
}

const eventFields = `event_id, job_id, type, timestamp_ns, payload_json`

// eventDoc is one persisted event. event_id comes from the counters table.
type eventDoc struct {
	EventID     int64  `json:"event_id"`
	JobID       string `json:"job_id"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp_ns"`
	PayloadJSON string `json:"payload_json"`
}

type resultDoc struct {
	JobID      string `json:"job_id"`
	ResultJSON string `json:"result_json"`
}

type counterDoc struct {
	N int64 `json:"n"`
}

// NewStore connects to SurrealDB and prepares the job tables.
func NewStore(config *common.SurrealConfig, logger *common.Logger) (*Store, error) {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	ctx := context.Background()

	db, err := surrealdb.New(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables up front; SurrealDB v3 errors on querying tables that
	// do not exist yet.
	for _, table := range []string{"jobs", "job_events", "job_results", "counters"} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	// Seed the event id counter so increments always have a record.
	if _, err := surrealdb.Query[any](ctx, db, "UPSERT $rid SET n = n ?? 0", map[string]any{
		"rid": surrealmodels.NewRecordID("counters", "events"),
	}); err != nil {
		return nil, fmt.Errorf("failed to seed event counter: %w", err)
	}

	logger.Info().
		Str("url", config.URL).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("SurrealDB job store initialized")

	return &Store{db: db, logger: logger}, nil
}

// Ping verifies the connection with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "RETURN 1", nil); err != nil {
		return fmt.Errorf("surrealdb ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.db.Close(context.Background())
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

// first unwraps the leading query result set.
func first[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}

func sortByCreated(docs []jobDoc) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt < docs[j].CreatedAt })
}
