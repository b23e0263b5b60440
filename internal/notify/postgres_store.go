package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists callback subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO callback_subscriptions (
			id, brand_id, url, secret, events, active, created_at, last_success, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.BrandID, sub.URL, sub.Secret, pq.Array(events),
		sub.Active, sub.CreatedAt, nullTime(sub.LastSuccess), sub.LastError,
	)
	return err
}

const subColumns = `id, brand_id, url, secret, events, active, created_at, last_success, last_error`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM callback_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetByBrand(ctx context.Context, brandID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM callback_subscriptions
		WHERE brand_id = $1
		ORDER BY created_at`, brandID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE callback_subscriptions SET
			url = $1, secret = $2, events = $3, active = $4,
			last_success = $5, last_error = $6
		WHERE id = $7`,
		sub.URL, sub.Secret, pq.Array(events), sub.Active,
		nullTime(sub.LastSuccess), sub.LastError, sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM callback_subscriptions WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      pq.StringArray
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := row.Scan(
		&sub.ID, &sub.BrandID, &sub.URL, &sub.Secret, &events,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
	)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		sub.Events = append(sub.Events, EventType(e))
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
