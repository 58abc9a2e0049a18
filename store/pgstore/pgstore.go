// Package pgstore persists subscriptions and instance registrations in
// PostgreSQL through the pgx database/sql driver.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/addonrelay/notification"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

var ErrDuplicate = errors.New("pgstore: duplicate subscription id")

type Options struct {
	// MaxOpenConns bounds concurrent database work. Defaults to 20.
	MaxOpenConns int
	// OpTimeout bounds every store operation. Defaults to 5s.
	OpTimeout time.Duration
}

// Store implements notification.SubscriptionStore and
// notification.RegistrationStore.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 20
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(min(10, opts.MaxOpenConns))
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{db: db, timeout: opts.OpTimeout}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the tables and indexes the store needs.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 4*s.timeout)
	defer cancel()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS addon_registrations (
			instance_id   TEXT PRIMARY KEY,
			instance_url  TEXT NOT NULL DEFAULT '',
			version       TEXT NOT NULL DEFAULT '',
			shared_secret BYTEA NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS notification_subscriptions (
			id                     TEXT PRIMARY KEY,
			instance_id            TEXT NOT NULL,
			subscription_type      TEXT NOT NULL,
			microsoft_user_id      TEXT NOT NULL DEFAULT '',
			project_id             TEXT NOT NULL DEFAULT '',
			conversation_id        TEXT NOT NULL DEFAULT '',
			event_types            TEXT NOT NULL DEFAULT '[]',
			filter                 TEXT NOT NULL DEFAULT '',
			is_active              BOOLEAN NOT NULL DEFAULT false,
			conversation_reference TEXT NOT NULL,
			created_at             TIMESTAMPTZ NOT NULL,
			updated_at             TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS notification_subscriptions_active_idx
			ON notification_subscriptions (instance_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS notification_subscriptions_owner_idx
			ON notification_subscriptions (LOWER(microsoft_user_id)) WHERE subscription_type = 'Personal'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const subscriptionColumns = `id, instance_id, subscription_type, microsoft_user_id, project_id,
	conversation_id, event_types, filter, is_active, conversation_reference, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (notification.Subscription, error) {
	var (
		sub        notification.Subscription
		typ        string
		eventTypes string
	)
	if err := row.Scan(&sub.ID, &sub.InstanceID, &typ, &sub.MicrosoftUserID, &sub.ProjectID,
		&sub.ConversationID, &eventTypes, &sub.Filter, &sub.IsActive, &sub.ConversationReference,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return notification.Subscription{}, err
	}
	sub.Type = notification.SubscriptionType(typ)
	if err := json.Unmarshal([]byte(eventTypes), &sub.EventTypes); err != nil {
		return notification.Subscription{}, fmt.Errorf("decode event types of %s: %w", sub.ID, err)
	}
	return sub, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]notification.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) ActiveByInstance(ctx context.Context, instanceID string) ([]notification.Subscription, error) {
	subs, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM notification_subscriptions
		WHERE instance_id = $1 AND is_active ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) ByOwner(ctx context.Context, microsoftUserID string) ([]notification.Subscription, error) {
	subs, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM notification_subscriptions
		WHERE subscription_type = 'Personal' AND LOWER(microsoft_user_id) = LOWER($1) ORDER BY id`, microsoftUserID)
	if err != nil {
		return nil, fmt.Errorf("list owner subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) Get(ctx context.Context, id string) (notification.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM notification_subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Subscription{}, fmt.Errorf("subscription %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return notification.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func encodeEventTypes(eventTypes []string) (string, error) {
	if eventTypes == nil {
		eventTypes = []string{}
	}
	b, err := json.Marshal(eventTypes)
	return string(b), err
}

func (s *Store) Create(ctx context.Context, sub notification.Subscription) error {
	eventTypes, err := encodeEventTypes(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO notification_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID, sub.InstanceID, string(sub.Type), sub.MicrosoftUserID, sub.ProjectID,
		sub.ConversationID, eventTypes, sub.Filter, sub.IsActive, sub.ConversationReference,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("subscription %s: %w", sub.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, sub notification.Subscription) error {
	eventTypes, err := encodeEventTypes(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE notification_subscriptions SET
			microsoft_user_id = $2, project_id = $3, conversation_id = $4, event_types = $5,
			filter = $6, is_active = $7, conversation_reference = $8, updated_at = $9
		WHERE id = $1`,
		sub.ID, sub.MicrosoftUserID, sub.ProjectID, sub.ConversationID, eventTypes,
		sub.Filter, sub.IsActive, sub.ConversationReference, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, notification.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, instanceID string) (notification.Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var reg notification.Registration
	err := s.db.QueryRowContext(ctx, `SELECT instance_id, instance_url, version, shared_secret, created_at
		FROM addon_registrations WHERE instance_id = $1`, instanceID).
		Scan(&reg.InstanceID, &reg.InstanceURL, &reg.Version, &reg.SharedSecret, &reg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Registration{}, fmt.Errorf("registration %s: %w", instanceID, notification.ErrNotFound)
	}
	if err != nil {
		return notification.Registration{}, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// SaveRegistration inserts or replaces the registration. The original
// creation time survives re-registration.
func (s *Store) SaveRegistration(ctx context.Context, reg notification.Registration) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO addon_registrations (instance_id, instance_url, version, shared_secret, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET
			instance_url = EXCLUDED.instance_url,
			version = EXCLUDED.version,
			shared_secret = EXCLUDED.shared_secret`,
		reg.InstanceID, reg.InstanceURL, reg.Version, reg.SharedSecret, reg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

var (
	_ notification.SubscriptionStore = (*Store)(nil)
	_ notification.RegistrationStore = (*Store)(nil)
)
