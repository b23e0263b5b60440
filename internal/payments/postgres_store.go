package payments

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/arcadia-labs/arcadia/internal/escrow"
	"github.com/arcadia-labs/arcadia/internal/pagination"
)

// PostgresStore persists payment requests in PostgreSQL. The
// compare-and-set transition is a single conditional UPDATE, so the
// exactly-once claim holds across processes, not just goroutines.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *PaymentRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_requests (
			payment_id, brand_id, tier, amount, currency, recipient, network,
			status, created_at, expires_at, completed_at,
			transaction_ref, generation_id, failure_reason
		) VALUES (
			$1, $2, $3, $4::NUMERIC(38,0), $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)`,
		req.PaymentID, req.BrandID, int16(req.Tier), req.Amount.String(),
		req.Currency, req.Recipient, req.Network,
		string(req.Status), req.CreatedAt, req.ExpiresAt, nullTime(req.CompletedAt),
		nullString(req.TransactionRef), nullString(req.GenerationID), nullString(req.FailureReason),
	)
	return err
}

const requestColumns = `payment_id, brand_id, tier, amount::TEXT, currency, recipient, network,
		       status, created_at, expires_at, completed_at,
		       transaction_ref, generation_id, failure_reason`

func (p *PostgresStore) GetRequest(ctx context.Context, paymentID string) (*PaymentRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM payment_requests WHERE payment_id = $1`, paymentID)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return req, err
}

func (p *PostgresStore) SetTransactionRef(ctx context.Context, paymentID, txRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET transaction_ref = $1
		WHERE payment_id = $2
		  AND (status IN ('PENDING', 'PROCESSING')
		       OR transaction_ref IS NULL
		       OR transaction_ref = $1)`,
		txRef, paymentID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the record is missing or it is terminal with a
		// different hash; tell them apart for the caller.
		if _, gerr := p.GetRequest(ctx, paymentID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: transaction reference is frozen", ErrIllegalTransition)
	}
	return nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, paymentID string, from []Status, to Status, completedAt *time.Time, reason string) (bool, error) {
	for _, f := range from {
		if !CanTransition(f, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f, to)
		}
	}

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $1,
		    completed_at = COALESCE($2, completed_at),
		    failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END
		WHERE payment_id = $4
		  AND status = ANY($5)`,
		string(to), nullTime(completedAt), reason, paymentID, pq.Array(fromStrs))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, gerr := p.GetRequest(ctx, paymentID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) SetGenerationID(ctx context.Context, paymentID, generationID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_requests SET generation_id = $1 WHERE payment_id = $2`,
		generationID, paymentID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return nil
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*PaymentRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByBrand(ctx context.Context, brandID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM payment_requests
		WHERE brand_id = $1`
	args := []any{brandID}

	if cursor != nil {
		query += `
		  AND (created_at, payment_id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, payment_id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PaymentRequest, error) {
	var (
		req       PaymentRequest
		tier      int16
		amount    string
		status    string
		completed sql.NullTime
		callback  sql.NullString
		txRef     sql.NullString
		genID     sql.NullString
		reason    sql.NullString
	)
	err := row.Scan(
		&req.PaymentID, &req.BrandID, &tier, &amount, &req.Currency, &req.Recipient, &req.Network,
		&status, &req.CreatedAt, &req.ExpiresAt, &completed, &callback,
		&txRef, &genID, &reason,
	)
	if err != nil {
		return nil, err
	}

	req.Tier = escrow.Tier(tier)
	req.Status = Status(status)
	wei, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("payments: malformed amount %q for %s", amount, req.PaymentID)
	}
	req.Amount = wei
	if completed.Valid {
		t := completed.Time
		req.CompletedAt = &t
	}
	req.CallbackURL = callback.String
	req.TransactionRef = txRef.String
	req.GenerationID = genID.String
	req.FailureReason = reason.String
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
