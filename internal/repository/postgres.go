// Package repository provides PostgreSQL-backed persistence for flight
// documents, the flight event log, and API keys. Flight documents are stored
// as JSONB snapshots keyed by tenant, environment, and feature; the event
// log doubles as an audit trail and a NOTIFY source for event consumers.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

const (
	defaultNotifyChannel = "flight_events"
	maxEventBatchSize    = 1000
)

// FlightDocument is one persisted flight row.
type FlightDocument struct {
	FlightID    string           `json:"flight_id"`
	Tenant      string           `json:"tenant"`
	Environment string           `json:"environment"`
	Feature     string           `json:"feature"`
	Snapshot    *flight.Snapshot `json:"snapshot"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// FlightEventRecord is one committed domain event in the flight_events log.
type FlightEventRecord struct {
	EventID       int64           `json:"event_id"`
	FlightID      string          `json:"flight_id"`
	EventName     string          `json:"event_name"`
	Properties    json.RawMessage `json:"properties"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// APIKey is a stored API key record used for bearer-token authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Tenant    string     `json:"tenant"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// PostgresRepository implements flight document, event log, and API key
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a repository using the default
// "flight_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a repository using the specified
// LISTEN/NOTIFY channel name for event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// SaveFlight upserts the flight snapshot keyed by its derived flight ID.
func (r *PostgresRepository) SaveFlight(ctx context.Context, snapshot *flight.Snapshot, _ tracking.IDs) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal flight snapshot: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO flights (flight_id, tenant, environment, feature, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (flight_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()
	`,
		snapshot.ID,
		strings.ToLower(snapshot.Tenant.Name),
		strings.ToLower(snapshot.Tenant.Environment),
		snapshot.Feature.Name,
		payload,
	)
	if err != nil {
		return fmt.Errorf("save flight: %w", err)
	}
	return nil
}

// GetFlight retrieves a single flight snapshot. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFlight(ctx context.Context, tenantName, environment, feature string) (*flight.Snapshot, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT snapshot
		FROM flights
		WHERE tenant = $1 AND environment = $2 AND feature = $3
	`, strings.ToLower(tenantName), strings.ToLower(environment), feature).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("get flight: %w", err)
	}

	var snapshot flight.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode flight snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListFlights returns all flight snapshots for a tenant and environment,
// ordered by feature name.
func (r *PostgresRepository) ListFlights(ctx context.Context, tenantName, environment string) ([]*flight.Snapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot
		FROM flights
		WHERE tenant = $1 AND environment = $2
		ORDER BY feature
	`, strings.ToLower(tenantName), strings.ToLower(environment))
	if err != nil {
		return nil, fmt.Errorf("list flights: %w", err)
	}
	defer rows.Close()

	snapshots := make([]*flight.Snapshot, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		var snapshot flight.Snapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, fmt.Errorf("decode flight snapshot: %w", err)
		}
		snapshots = append(snapshots, &snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flights rows: %w", err)
	}
	return snapshots, nil
}

// DeleteFlight removes a flight document. Returns pgx.ErrNoRows (wrapped)
// if the flight does not exist.
func (r *PostgresRepository) DeleteFlight(ctx context.Context, tenantName, environment, feature string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM flights
		WHERE tenant = $1 AND environment = $2 AND feature = $3
	`, strings.ToLower(tenantName), strings.ToLower(environment), feature)
	if err != nil {
		return fmt.Errorf("delete flight: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flight: %w", pgx.ErrNoRows)
	}
	return nil
}

// InsertFlightEvent appends one committed domain event to the log and
// notifies listeners on the configured channel.
func (r *PostgresRepository) InsertFlightEvent(ctx context.Context, event flight.Event) (FlightEventRecord, error) {
	properties, err := json.Marshal(event.Properties())
	if err != nil {
		return FlightEventRecord{}, fmt.Errorf("marshal event properties: %w", err)
	}

	var record FlightEventRecord
	err = r.pool.QueryRow(ctx, `
		INSERT INTO flight_events (flight_id, event_name, properties, correlation_id)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, flight_id, event_name, properties, correlation_id, created_at
	`,
		event.FlightID(),
		event.Name(),
		properties,
		event.TrackingIDs().CorrelationID,
	).Scan(
		&record.EventID,
		&record.FlightID,
		&record.EventName,
		&record.Properties,
		&record.CorrelationID,
		&record.CreatedAt,
	)
	if err != nil {
		return FlightEventRecord{}, fmt.Errorf("insert flight event: %w", err)
	}

	// NOTIFY failures are tolerable: consumers resync on a timer.
	_, _ = r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, record.FlightID)

	return record, nil
}

// ListFlightEvents returns up to maxEventBatchSize events for a flight with
// IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListFlightEvents(ctx context.Context, flightID string, eventID int64) ([]FlightEventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, flight_id, event_name, properties, correlation_id, created_at
		FROM flight_events
		WHERE flight_id = $1 AND event_id > $2
		ORDER BY event_id
		LIMIT $3
	`, flightID, eventID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list flight events: %w", err)
	}
	defer rows.Close()

	events := make([]FlightEventRecord, 0)
	for rows.Next() {
		var record FlightEventRecord
		if err := rows.Scan(
			&record.EventID,
			&record.FlightID,
			&record.EventName,
			&record.Properties,
			&record.CorrelationID,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flight event: %w", err)
		}
		events = append(events, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flight events rows: %w", err)
	}
	return events, nil
}

// ValidateAPIKey returns the stored hash and tenant for a non-revoked key
// ID. Callers do the hash comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash, tenantName string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, tenant
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &tenantName); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}
	return keyHash, tenantName, nil
}

// CreateAPIKey generates a new API key for the given tenant, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, tenantName string) (string, string, error) {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, strings.ToLower(tenantName), "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, tenantName, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND tenant = $2 AND revoked_at IS NULL
	`, keyID, strings.ToLower(tenantName))
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// SubscribeFlightEvents opens a dedicated connection listening on the
// notification channel and returns a channel that receives the flight ID of
// each committed event. The channel closes when ctx is cancelled or the
// connection drops; callers resubscribe as needed.
func (r *PostgresRepository) SubscribeFlightEvents(ctx context.Context) (<-chan string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+r.notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", r.notifyChannel, err)
	}

	notifications := make(chan string, 1)
	go func() {
		defer close(notifications)
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case notifications <- notification.Payload:
			default:
			}
		}
	}()

	return notifications, nil
}

func normalizeNotifyChannel(channel string) string {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return defaultNotifyChannel
	}
	var b strings.Builder
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	if b.Len() == 0 {
		return defaultNotifyChannel
	}
	return b.String()
}

func generateRandomHex(bytes int) (string, error) {
	buffer := make([]byte, bytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
