// Package outbox implements the at-most-once notification ledger: rows are
// created once per (changelist_id, recipient, review_version) triple and
// delivered through a crash-safe reconciliation protocol against a
// duck-typed provider.
package outbox

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/Napageneral/reviewqueue/internal/engine"
	"github.com/Napageneral/reviewqueue/internal/store"
)

// Entry is one notification_outbox row.
type Entry struct {
	ID                int64
	ChangelistID      int64
	Recipient         string
	ReviewVersion     int64
	Payload           string
	IdempotencyKey    string
	Status            string
	ProviderMessageID sql.NullString
	NotifiedAt        sql.NullString
	CreatedAt         string
	UpdatedAt         string
}

// Provider is the duck-typed capability the outbox depends on: a
// notification transport that can send a message and confirm whether a
// previously returned message id exists on its side. The outbox assumes
// the provider is itself idempotent on the supplied idempotency key.
type Provider interface {
	Send(ctx context.Context, recipient, payload, idempotencyKey string) (providerMessageID string, err error)
	Lookup(ctx context.Context, providerMessageID string) (exists bool, err error)
}

// DeliveryResult is the outcome of one deliver_row call.
type DeliveryResult struct {
	Status            string // already_sent | reconciled | sent
	RowID             int64
	ProviderMessageID string
}

// Store manages notification_outbox persistence.
type Store struct {
	db *sql.DB
}

// New wraps db as an outbox store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// IdempotencyKey derives the deterministic outbox idempotency key for a
// (changelist_id, recipient, review_version) triple.
func IdempotencyKey(changelistID int64, recipient string, reviewVersion int64) string {
	raw := fmt.Sprintf("%d:%s:%d", changelistID, recipient, reviewVersion)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PrepareRows canonically serializes payload and inserts one row per
// recipient, first-write-wins on conflict: duplicate recipients in one
// call, or a retry of a previously prepared triple, leave the original row
// untouched.
func (s *Store) PrepareRows(ctx context.Context, changelistID int64, reviewVersion int64, recipients []string, payload interface{}) error {
	payloadJSON, err := store.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("prepare_rows: %w", err)
	}

	for _, recipient := range recipients {
		key := IdempotencyKey(changelistID, recipient, reviewVersion)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notification_outbox
				(changelist_id, recipient, review_version, payload, idempotency_key)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(changelist_id, recipient, review_version) DO NOTHING
		`, changelistID, recipient, reviewVersion, payloadJSON, key)
		if err != nil {
			return fmt.Errorf("prepare_rows: insert %s: %w", recipient, err)
		}
	}
	return nil
}

// PrepareRowsBatched behaves like PrepareRows but submits each recipient's
// insert through writer instead of issuing its own transaction, so a large
// fan-out (many recipients prepared in a tight loop) coalesces into
// writer's micro-batches instead of contending for the database's write
// lock one row at a time.
func (s *Store) PrepareRowsBatched(ctx context.Context, writer *engine.TxBatchWriter, changelistID int64, reviewVersion int64, recipients []string, payload interface{}) error {
	payloadJSON, err := store.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("prepare_rows_batched: %w", err)
	}

	for _, recipient := range recipients {
		recipient := recipient
		key := IdempotencyKey(changelistID, recipient, reviewVersion)
		err := writer.Submit(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO notification_outbox
					(changelist_id, recipient, review_version, payload, idempotency_key)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(changelist_id, recipient, review_version) DO NOTHING
			`, changelistID, recipient, reviewVersion, payloadJSON, key)
			return err
		})
		if err != nil {
			return fmt.Errorf("prepare_rows_batched: insert %s: %w", recipient, err)
		}
	}
	return nil
}

// UnsentRows returns the unsent rows for one partition in deterministic
// (recipient ASC, id ASC) order.
func (s *Store) UnsentRows(ctx context.Context, changelistID, reviewVersion int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, changelist_id, recipient, review_version, payload, idempotency_key,
		       status, provider_message_id, notified_at, created_at, updated_at
		FROM notification_outbox
		WHERE changelist_id = ? AND review_version = ? AND notified_at IS NULL
		ORDER BY recipient ASC, id ASC
	`, changelistID, reviewVersion)
	if err != nil {
		return nil, fmt.Errorf("unsent_rows: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("unsent_rows: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetRow fetches one outbox row by id.
func (s *Store) GetRow(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectByID, id))
	if err != nil {
		return nil, fmt.Errorf("get_row: %w", err)
	}
	return e, nil
}

// DeliverRow executes the three-step delivery protocol for one row:
// already-sent short circuit, crash reconciliation via lookup, or a fresh
// send.
func (s *Store) DeliverRow(ctx context.Context, rowID int64, provider Provider) (DeliveryResult, error) {
	row, err := s.GetRow(ctx, rowID)
	if err != nil {
		return DeliveryResult{}, err
	}

	if row.NotifiedAt.Valid {
		return DeliveryResult{Status: "already_sent", RowID: rowID, ProviderMessageID: row.ProviderMessageID.String}, nil
	}

	if row.ProviderMessageID.Valid {
		exists, err := provider.Lookup(ctx, row.ProviderMessageID.String)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("deliver_row: lookup: %w", err)
		}
		if exists {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE notification_outbox
				SET status = 'sent', notified_at = now(), updated_at = now()
				WHERE id = ?
			`, rowID); err != nil {
				return DeliveryResult{}, fmt.Errorf("deliver_row: mark reconciled: %w", err)
			}
			return DeliveryResult{Status: "reconciled", RowID: rowID, ProviderMessageID: row.ProviderMessageID.String}, nil
		}
	}

	providerMessageID, err := provider.Send(ctx, row.Recipient, row.Payload, row.IdempotencyKey)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("deliver_row: send: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET provider_message_id = ?, status = 'sent', notified_at = now(), updated_at = now()
		WHERE id = ?
	`, providerMessageID, rowID); err != nil {
		return DeliveryResult{}, fmt.Errorf("deliver_row: mark sent: %w", err)
	}

	return DeliveryResult{Status: "sent", RowID: rowID, ProviderMessageID: providerMessageID}, nil
}

// DeliverPending delivers every unsent row in one partition, in
// (recipient ASC, id ASC) order.
func (s *Store) DeliverPending(ctx context.Context, changelistID, reviewVersion int64, provider Provider) ([]DeliveryResult, error) {
	rows, err := s.UnsentRows(ctx, changelistID, reviewVersion)
	if err != nil {
		return nil, err
	}
	results := make([]DeliveryResult, 0, len(rows))
	for _, row := range rows {
		result, err := s.DeliverRow(ctx, row.ID, provider)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

const selectByID = `
	SELECT id, changelist_id, recipient, review_version, payload, idempotency_key,
	       status, provider_message_id, notified_at, created_at, updated_at
	FROM notification_outbox WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	err := row.Scan(
		&e.ID, &e.ChangelistID, &e.Recipient, &e.ReviewVersion, &e.Payload, &e.IdempotencyKey,
		&e.Status, &e.ProviderMessageID, &e.NotifiedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
