package receipts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"go.uber.org/zap"
)

// advisoryLockKey serializes concurrent appends across daemon instances.
const advisoryLockKey = int64(2_026_040_417)

const selectColumns = `idx, timestamp, op, patient_id, from_account, tx_hash, block_number, value_wei, prev_hash, hash`

// Postgres persists the journal to the receipt_journal table. The genesis
// row is inserted by the migration.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres journal.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// Append implements Journal. The tail read and insert run in one
// transaction holding the advisory lock.
func (p *Postgres) Append(ctx context.Context, patientID uint64, r *ledger.Receipt) (*Entry, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM receipt_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}

	e := newEntry(patientID, r)
	e.Index = prevIdx + 1
	e.PrevHash = prevHash
	e.Hash = hashEntry(e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO receipt_journal (`+selectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Index, e.Timestamp, e.Op, int64(e.PatientID), e.From,
		e.TxHash, int64(e.BlockNumber), e.ValueWei, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit journal tx: %w", err)
	}

	p.logger.Debug("journal entry appended",
		zap.Int("idx", e.Index),
		zap.String("op", e.Op),
		zap.Uint64("patient_id", e.PatientID),
	)
	return e, nil
}

// Get implements Journal.
func (p *Postgres) Get(ctx context.Context, index int) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM receipt_journal WHERE idx = $1`, index)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOutOfRange
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry %d: %w", index, err)
	}
	return e, nil
}

// List implements Journal.
func (p *Postgres) List(ctx context.Context, offset, limit int) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM receipt_journal ORDER BY idx ASC OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Len implements Journal.
func (p *Postgres) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM receipt_journal").Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Verify implements Journal. It streams the whole chain in index order.
func (p *Postgres) Verify(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM receipt_journal ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Journal.
func (p *Postgres) Root(ctx context.Context) (string, error) {
	var hash string
	if err := p.pool.QueryRow(ctx,
		"SELECT hash FROM receipt_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get journal root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e                  Entry
		patientID, blockNo int64
	)
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.Op, &patientID, &e.From,
		&e.TxHash, &blockNo, &e.ValueWei, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.PatientID = uint64(patientID)
	e.BlockNumber = uint64(blockNo)
	return &e, nil
}
