// Package repository provides PostgreSQL-backed persistence for flag,
// segment and experiment definitions, exposure events, and API keys. It
// also handles LISTEN/NOTIFY-based cache invalidation so the registry stays
// fresh without polling the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/seamly/rollout/internal/core"
)

const (
	defaultNotifyChannel = "definition_events"
	maxEventBatchSize    = 1000
)

// ErrVersionConflict reports that a flag write lost a race: the stored row
// was not at the expected previous version. The caller resyncs and retries.
var ErrVersionConflict = errors.New("definition version conflict")

// DefinitionKind names the definition collection an event belongs to.
type DefinitionKind string

const (
	KindFlag       DefinitionKind = "flag"
	KindSegment    DefinitionKind = "segment"
	KindExperiment DefinitionKind = "experiment"
)

// DefinitionEvent is one row of the ordered change feed. EventID is a
// bigserial, so consumers can resume from the last ID they saw.
type DefinitionEvent struct {
	EventID   int64           `json:"event_id"`
	Kind      DefinitionKind  `json:"kind"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Exposure is one recorded evaluation or assignment event.
type Exposure struct {
	Event      string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository persists definitions as JSONB documents backed by a
// pgxpool connection pool. It also supports LISTEN/NOTIFY for real-time
// cache invalidation.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithEventBatchSize caps the number of rows returned per
// [PostgresRepository.ListEventsSince] query. Values < 1 keep the default.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// WithNotifyChannel sets the LISTEN/NOTIFY channel name for definition
// event notifications.
func WithNotifyChannel(name string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(name)
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "definition_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: maxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SaveFlag upserts a flag document. The write only succeeds when the stored
// row is exactly one version behind the document, so two concurrent writers
// cannot both land the same version; the loser gets [ErrVersionConflict].
func (r *PostgresRepository) SaveFlag(ctx context.Context, flag core.FeatureFlag) error {
	document, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal flag %q: %w", flag.Key, err)
	}

	commandTag, err := r.pool.Exec(ctx, `
		INSERT INTO flags (key, id, version, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET version = EXCLUDED.version,
		    document = EXCLUDED.document,
		    updated_at = NOW()
		WHERE flags.id = EXCLUDED.id
		  AND flags.version = EXCLUDED.version - 1
	`, flag.Key, flag.ID, flag.Metadata.Version, document)
	if err != nil {
		return fmt.Errorf("save flag %q: %w", flag.Key, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("save flag %q: %w", flag.Key, ErrVersionConflict)
	}

	return nil
}

// DeleteFlag removes a flag by key. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag %q: %w", key, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag %q: %w", key, pgx.ErrNoRows)
	}

	return nil
}

// ListFlags returns every flag document ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]core.FeatureFlag, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM flags ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]core.FeatureFlag, 0)
	for rows.Next() {
		var document json.RawMessage
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		var flag core.FeatureFlag
		if err := json.Unmarshal(document, &flag); err != nil {
			return nil, fmt.Errorf("decode flag document: %w", err)
		}

		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// SaveSegment upserts a segment document.
func (r *PostgresRepository) SaveSegment(ctx context.Context, segment core.UserSegment) error {
	document, err := json.Marshal(segment)
	if err != nil {
		return fmt.Errorf("marshal segment %q: %w", segment.ID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO segments (id, document)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = NOW()
	`, segment.ID, document)
	if err != nil {
		return fmt.Errorf("save segment %q: %w", segment.ID, err)
	}

	return nil
}

// DeleteSegment removes a segment by ID. Returns pgx.ErrNoRows (wrapped) if
// it does not exist.
func (r *PostgresRepository) DeleteSegment(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete segment %q: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete segment %q: %w", id, pgx.ErrNoRows)
	}

	return nil
}

// ListSegments returns every segment document ordered by ID.
func (r *PostgresRepository) ListSegments(ctx context.Context) ([]core.UserSegment, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]core.UserSegment, 0)
	for rows.Next() {
		var document json.RawMessage
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}

		var segment core.UserSegment
		if err := json.Unmarshal(document, &segment); err != nil {
			return nil, fmt.Errorf("decode segment document: %w", err)
		}

		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

// SaveExperiment upserts an experiment document.
func (r *PostgresRepository) SaveExperiment(ctx context.Context, experiment core.Experiment) error {
	document, err := json.Marshal(experiment)
	if err != nil {
		return fmt.Errorf("marshal experiment %q: %w", experiment.ID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO experiments (id, document)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = NOW()
	`, experiment.ID, document)
	if err != nil {
		return fmt.Errorf("save experiment %q: %w", experiment.ID, err)
	}

	return nil
}

// DeleteExperiment removes an experiment by ID. Returns pgx.ErrNoRows
// (wrapped) if it does not exist.
func (r *PostgresRepository) DeleteExperiment(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete experiment %q: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete experiment %q: %w", id, pgx.ErrNoRows)
	}

	return nil
}

// ListExperiments returns every experiment document ordered by ID.
func (r *PostgresRepository) ListExperiments(ctx context.Context) ([]core.Experiment, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM experiments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	experiments := make([]core.Experiment, 0)
	for rows.Next() {
		var document json.RawMessage
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}

		var experiment core.Experiment
		if err := json.Unmarshal(document, &experiment); err != nil {
			return nil, fmt.Errorf("decode experiment document: %w", err)
		}

		experiments = append(experiments, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments rows: %w", err)
	}

	return experiments, nil
}

// ReplaceAll swaps the entire stored definition set in one transaction.
// Used by document import, where partial application would leave the
// database inconsistent with the imported document.
func (r *PostgresRepository) ReplaceAll(ctx context.Context, flags []core.FeatureFlag, segments []core.UserSegment, experiments []core.Experiment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"flags", "segments", "experiments"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, flag := range flags {
		document, err := json.Marshal(flag)
		if err != nil {
			return fmt.Errorf("marshal flag %q: %w", flag.Key, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO flags (key, id, version, document)
			VALUES ($1, $2, $3, $4)
		`, flag.Key, flag.ID, flag.Metadata.Version, document); err != nil {
			return fmt.Errorf("insert flag %q: %w", flag.Key, err)
		}
	}
	for _, segment := range segments {
		document, err := json.Marshal(segment)
		if err != nil {
			return fmt.Errorf("marshal segment %q: %w", segment.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO segments (id, document) VALUES ($1, $2)
		`, segment.ID, document); err != nil {
			return fmt.Errorf("insert segment %q: %w", segment.ID, err)
		}
	}
	for _, experiment := range experiments {
		document, err := json.Marshal(experiment)
		if err != nil {
			return fmt.Errorf("marshal experiment %q: %w", experiment.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO experiments (id, document) VALUES ($1, $2)
		`, experiment.ID, document); err != nil {
			return fmt.Errorf("insert experiment %q: %w", experiment.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '{"event_type":"imported"}')`, r.notifyChannel); err != nil {
		return fmt.Errorf("notify import: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}

	return nil
}

// PublishDefinitionEvent inserts a definition event and sends a PostgreSQL
// NOTIFY on the configured channel within a single transaction, so a
// notification is never observed without its event row.
func (r *PostgresRepository) PublishDefinitionEvent(ctx context.Context, event DefinitionEvent) (DefinitionEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DefinitionEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created DefinitionEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO definition_events (kind, key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, kind, key, event_type, payload, created_at
	`,
		event.Kind,
		event.Key,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Kind,
		&created.Key,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return DefinitionEvent{}, fmt.Errorf("insert definition event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return DefinitionEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return DefinitionEvent{}, fmt.Errorf("notify definition event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DefinitionEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns a bounded batch of definition events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]DefinitionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, kind, key, event_type, payload, created_at
		FROM definition_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]DefinitionEvent, 0)
	for rows.Next() {
		var event DefinitionEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Kind,
			&event.Key,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// InsertExposures writes a batch of exposure events in one round trip.
func (r *PostgresRepository) InsertExposures(ctx context.Context, exposures []Exposure) error {
	if len(exposures) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, exposure := range exposures {
		properties, err := json.Marshal(exposure.Properties)
		if err != nil {
			return fmt.Errorf("marshal exposure properties: %w", err)
		}

		createdAt := exposure.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		batch.Queue(`
			INSERT INTO exposure_events (event, user_id, properties, created_at)
			VALUES ($1, $2, $3, $4)
		`, exposure.Event, exposure.UserID, ensureJSON(properties, "{}"), createdAt)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range exposures {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert exposure: %w", err)
		}
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// do the bcrypt comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the
// secret. The raw secret is returned exactly once; it cannot be retrieved
// later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var key APIKeyMeta
		if err := rows.Scan(&key.ID, &key.Name, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at
// timestamp. Returns pgx.ErrNoRows (wrapped) if the key does not exist or
// is already revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}

	return nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// definition event notification arrives on the PostgreSQL LISTEN channel.
// The channel is closed if the listener gives up.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for definition event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event DefinitionEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		Kind      DefinitionKind `json:"kind"`
		Key       string         `json:"key"`
		EventType string         `json:"event_type"`
	}{
		Kind:      event.Kind,
		Key:       event.Key,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
