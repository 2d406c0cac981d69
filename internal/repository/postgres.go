// Package repository is the PostgreSQL persistence layer: feature flag rows,
// the append-only flag event log, API keys, and audit entries. A LISTEN/NOTIFY
// subscription surfaces committed flag changes to in-process caches without
// polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "flag_events"
	defaultEventBatchSize = 1000

	apiKeySecretBytes = 32
	listenRedialDelay = time.Second
)

// Column lists shared between INSERT ... RETURNING and SELECT statements, in
// the order the scan helpers expect.
const (
	flagCols  = "name, description, enabled, rollout_percentage, created_at, updated_at"
	eventCols = "event_id, flag_name, event_type, payload, created_at"
)

// Flag is the repository-level representation of a feature flag row. A nil
// RolloutPercentage means the flag has no partial rollout: when enabled it is
// on for every user.
type Flag struct {
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage *float64  `json:"rollout_percentage"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FlagUpdate describes a partial update to a flag. Nil fields are left
// untouched. RolloutSet distinguishes "rollout_percentage was present in the
// payload" from "absent": present-and-null clears the percentage, restoring
// all-or-nothing behavior.
type FlagUpdate struct {
	Enabled     *bool
	Description *string
	Rollout     *float64
	RolloutSet  bool
}

// HasChanges reports whether applying the update would modify any column.
func (u FlagUpdate) HasChanges() bool {
	return u.Enabled != nil || u.Description != nil || u.RolloutSet
}

// FlagEvent is one row of the append-only change log. Event IDs come from a
// sequence, so consumers can resume a stream by remembering the last ID they
// saw.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	FlagName  string          `json:"flag_name"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKey carries the non-sensitive half of a stored key. The secret exists in
// the clear exactly once, in the CreateAPIKey return value.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// PostgresRepository persists flags, events, API keys, and audit entries on a
// pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel used for flag event
// notifications.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) { r.notifyChannel = notifyChannelOrDefault(channel) }
}

// WithEventBatchSize caps the number of events returned per ListEventsSince
// query.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] on top of pool.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateFlag inserts a flag row and returns it with server-assigned
// timestamps. A duplicate name comes back as a unique violation (SQLSTATE
// 23505) for the caller to translate.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO feature_flags (name, description, enabled, rollout_percentage)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+flagCols,
		flag.Name, flag.Description, flag.Enabled, flag.RolloutPercentage)

	created, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("insert flag: %w", err)
	}
	return created, nil
}

// GetFlag fetches one flag by name. The error wraps pgx.ErrNoRows when no
// such row exists.
func (r *PostgresRepository) GetFlag(ctx context.Context, name string) (Flag, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+flagCols+` FROM feature_flags WHERE name = $1`, name)

	flag, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("select flag: %w", err)
	}
	return flag, nil
}

// ListFlags returns every flag ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+flagCols+` FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read flag rows: %w", err)
	}
	return flags, nil
}

// UpdateFlag writes the fields present in update, always bumping updated_at,
// and returns the resulting row. The error wraps pgx.ErrNoRows when the flag
// does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, name string, update FlagUpdate) (Flag, error) {
	assign := []string{"updated_at = NOW()"}
	args := []any{name}

	if update.Enabled != nil {
		args = append(args, *update.Enabled)
		assign = append(assign, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if update.Description != nil {
		args = append(args, *update.Description)
		assign = append(assign, fmt.Sprintf("description = $%d", len(args)))
	}
	if update.RolloutSet {
		args = append(args, update.Rollout)
		assign = append(assign, fmt.Sprintf("rollout_percentage = $%d", len(args)))
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE feature_flags SET `+strings.Join(assign, ", ")+
			` WHERE name = $1 RETURNING `+flagCols,
		args...)

	updated, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("apply flag update: %w", err)
	}
	return updated, nil
}

// DeleteFlag removes a flag by name. The error wraps pgx.ErrNoRows when the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM feature_flags WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	return requireRowsAffected(tag, "delete flag")
}

// CreateAPIKey mints a key, stores a bcrypt hash of its secret, and returns
// the metadata plus the secret itself. Blank names get a generated one.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (APIKey, string, error) {
	secret, err := randomHex(apiKeySecretBytes)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generate secret: %w", err)
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("hash secret: %w", err)
	}

	keyID := uuid.NewString()
	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	var key APIKey
	err = r.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, name, key_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, name, created_at`,
		keyID, name, string(digest),
	).Scan(&key.ID, &key.Name, &key.CreatedAt)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("store api key: %w", err)
	}
	return key, secret, nil
}

// GetAPIKeyHash returns the stored secret hash for a live key. Comparison is
// the caller's job; revoked and unknown keys both wrap pgx.ErrNoRows.
func (r *PostgresRepository) GetAPIKeyHash(ctx context.Context, id string) (string, error) {
	var digest string
	err := r.pool.QueryRow(ctx,
		`SELECT key_hash FROM api_keys WHERE id = $1 AND revoked_at IS NULL`, id,
	).Scan(&digest)
	if err != nil {
		return "", fmt.Errorf("select api key hash: %w", err)
	}
	return digest, nil
}

// ListAPIKeys returns metadata for every live key, oldest first.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, created_at
		 FROM api_keys
		 WHERE revoked_at IS NULL
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.Name, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read api key rows: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey stamps revoked_at on a live key. Revoking twice, or revoking
// an unknown ID, wraps pgx.ErrNoRows.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW()
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRowsAffected(tag, "revoke api key")
}

// ListEventsSince returns events with IDs greater than eventID in ID order,
// capped at the configured batch size.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventCols+`
		 FROM flag_events
		 WHERE event_id > $1
		 ORDER BY event_id
		 LIMIT $2`,
		eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("query flag events: %w", err)
	}
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event rows: %w", err)
	}
	return events, nil
}

// PublishFlagEvent appends an event row and fires a NOTIFY carrying a compact
// invalidation hint. Both happen in one transaction, so listeners never hear
// about an event that failed to commit.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("open event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`INSERT INTO flag_events (flag_name, event_type, payload)
		 VALUES ($1, $2, $3)
		 RETURNING `+eventCols,
		event.FlagName, event.EventType, coalesceJSON(event.Payload, "{}"))

	created, err := scanEvent(row)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("append flag event: %w", err)
	}

	hint, err := encodeNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("encode notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, hint); err != nil {
		return FlagEvent{}, fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit event transaction: %w", err)
	}
	return created, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal for each
// flag event NOTIFY. The channel closes when the subscription dies for good,
// which lets consumers distinguish a lost subscription from a quiet one.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	signals := make(chan struct{}, 1)
	go r.invalidationLoop(ctx, signals)
	return signals, nil
}

// invalidationLoop keeps a LISTEN connection alive until ctx ends, redialing
// after transient failures.
func (r *PostgresRepository) invalidationLoop(ctx context.Context, signals chan<- struct{}) {
	defer close(signals)

	for {
		err := r.pumpNotifications(ctx, signals)
		if ctx.Err() != nil || err == nil {
			return
		}

		redial := time.NewTimer(listenRedialDelay)
		select {
		case <-ctx.Done():
			redial.Stop()
			return
		case <-redial.C:
		}
	}
}

// pumpNotifications holds one pooled connection in LISTEN mode and forwards
// each notification as a non-blocking signal. It only returns on error.
func (r *PostgresRepository) pumpNotifications(ctx context.Context, signals chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenSQL(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("await notification: %w", err)
		}
		select {
		case signals <- struct{}{}:
		default:
		}
	}
}

// rowScanner is the part of pgx.Row and pgx.Rows the scan helpers need.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (Flag, error) {
	var f Flag
	err := row.Scan(&f.Name, &f.Description, &f.Enabled, &f.RolloutPercentage, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func scanEvent(row rowScanner) (FlagEvent, error) {
	var ev FlagEvent
	err := row.Scan(&ev.EventID, &ev.FlagName, &ev.EventType, &ev.Payload, &ev.CreatedAt)
	return ev, err
}

// requireRowsAffected translates "nothing matched" into a wrapped
// pgx.ErrNoRows so every not-found path looks the same to callers.
func requireRowsAffected(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func notifyChannelOrDefault(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

// coalesceJSON substitutes fallback for an empty payload so NOT NULL jsonb
// columns never see a zero-length value.
func coalesceJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

// listenSQL quotes the channel as an identifier; LISTEN takes no bind
// parameters.
func listenSQL(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}

func randomHex(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// notifyEnvelope is the compact payload sent over NOTIFY. Listeners treat a
// notification as a cache invalidation hint and refetch, so it carries only
// the flag name and event type.
type notifyEnvelope struct {
	FlagName  string `json:"flag_name"`
	EventType string `json:"event_type"`
}

func encodeNotifyPayload(event FlagEvent) (string, error) {
	b, err := json.Marshal(notifyEnvelope{FlagName: event.FlagName, EventType: event.EventType})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
