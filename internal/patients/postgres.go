package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists the directory to the patient_accounts table.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a Postgres directory.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Bind implements Directory.
func (p *Postgres) Bind(ctx context.Context, e Entry) error {
	q := `
		INSERT INTO patient_accounts (patient_id, account, disease, gender, age, tx_hash, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id) DO UPDATE SET
			account = EXCLUDED.account,
			disease = EXCLUDED.disease,
			gender = EXCLUDED.gender,
			age = EXCLUDED.age,
			tx_hash = EXCLUDED.tx_hash,
			registered_at = EXCLUDED.registered_at`
	_, err := p.db.Exec(ctx, q,
		int64(e.PatientID), e.Account.Hex(), e.Disease, e.Gender,
		int64(e.Age), e.TxHash.Hex(), e.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("bind patient %d: %w", e.PatientID, err)
	}
	return nil
}

// Lookup implements Directory.
func (p *Postgres) Lookup(ctx context.Context, patientID uint64) (*Entry, error) {
	row := p.db.QueryRow(ctx, `
		SELECT patient_id, account, disease, gender, age, tx_hash, registered_at
		FROM patient_accounts WHERE patient_id = $1`, int64(patientID))
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup patient %d: %w", patientID, err)
	}
	return e, nil
}

// List implements Directory.
func (p *Postgres) List(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `
		SELECT patient_id, account, disease, gender, age, tx_hash, registered_at
		FROM patient_accounts ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		id, age         int64
		account, txHash string
		e               Entry
	)
	if err := row.Scan(&id, &account, &e.Disease, &e.Gender, &age, &txHash, &e.RegisteredAt); err != nil {
		return nil, err
	}
	e.PatientID = uint64(id)
	e.Age = uint64(age)
	e.Account = common.HexToAddress(account)
	e.TxHash = common.HexToHash(txHash)
	return &e, nil
}
