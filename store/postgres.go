package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/invanchor/invanchor/types"
)

// Postgres implements Store over PostgreSQL. Every claim is a conditional
// UPDATE whose WHERE clause pins the expected current state, so concurrent
// workers serialize on row-level locks and all but one observe zero affected
// rows. Multi-row outcomes (revert, confirm, fail) run in one transaction;
// nothing in this file performs network I/O beyond the database itself.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle (tests, shared pools).
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Close releases the underlying pool.
func (p *Postgres) Close() error { return p.db.Close() }

const invoiceColumns = `id, invoice_number, form_number, serial, tenant_org_id, issued_by_user_id,
seller_name, seller_tax_id, seller_address, seller_email,
customer_name, customer_tax_id, customer_address, customer_email,
status, issued_date, sub_total, tax_amount, discount_amount, total_amount, currency, note,
batch_id, immutable_hash, cid, cid_hash, merkle_proof, created_at, updated_at`

const batchColumns = `id, batch_id, count, merkle_root, batch_cid, status,
tx_hash, block_number, confirmed_at, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (*types.Invoice, error) {
	var (
		inv                                 types.Invoice
		note                                sql.NullString
		batchID                             sql.NullInt64
		immutableHash, cid, cidHash, proof  sql.NullString
		subTotal, taxAmt, discount, totalAm string
	)
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.FormNumber, &inv.Serial, &inv.TenantOrgID, &inv.IssuedByUser,
		&inv.SellerName, &inv.SellerTaxID, &inv.SellerAddress, &inv.SellerEmail,
		&inv.CustomerName, &inv.CustomerTaxID, &inv.CustomerAddress, &inv.CustomerEmail,
		&inv.Status, &inv.IssuedDate, &subTotal, &taxAmt, &discount, &totalAm, &inv.Currency, &note,
		&batchID, &immutableHash, &cid, &cidHash, &proof, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Note = note.String
	inv.BatchID = batchID.Int64
	inv.ImmutableHash = immutableHash.String
	inv.CID = cid.String
	inv.CIDHash = cidHash.String
	inv.MerkleProof = proof.String
	if inv.SubTotal, err = decimal.NewFromString(subTotal); err != nil {
		return nil, fmt.Errorf("store: sub_total: %w", err)
	}
	if inv.TaxAmount, err = decimal.NewFromString(taxAmt); err != nil {
		return nil, fmt.Errorf("store: tax_amount: %w", err)
	}
	if inv.DiscountAmount, err = decimal.NewFromString(discount); err != nil {
		return nil, fmt.Errorf("store: discount_amount: %w", err)
	}
	if inv.TotalAmount, err = decimal.NewFromString(totalAm); err != nil {
		return nil, fmt.Errorf("store: total_amount: %w", err)
	}
	return &inv, nil
}

func scanBatch(row interface{ Scan(...any) error }) (*types.InvoiceBatch, error) {
	var (
		b           types.InvoiceBatch
		root, bcid  sql.NullString
		txHash      sql.NullString
		blockNumber sql.NullInt64
		confirmedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.BatchID, &b.Count, &root, &bcid, &b.Status,
		&txHash, &blockNumber, &confirmedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.MerkleRoot = root.String
	b.BatchCID = bcid.String
	b.TxHash = txHash.String
	b.BlockNumber = uint64(blockNumber.Int64)
	b.ConfirmedAt = confirmedAt.Time
	return &b, nil
}

func (p *Postgres) queryInvoices(ctx context.Context, query string, args ...any) ([]*types.Invoice, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, inv := range out {
		if err := p.loadLines(ctx, inv); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) loadLines(ctx context.Context, inv *types.Invoice) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, invoice_id, line_number, description, unit, quantity, unit_price, discount, tax_rate, tax_amount, line_total
FROM invoice_lines WHERE invoice_id = $1 ORDER BY line_number`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ln                                                types.InvoiceLine
			qty, price, disc, taxRate, taxAmount, lineTotal   string
		)
		if err := rows.Scan(&ln.ID, &ln.InvoiceID, &ln.LineNumber, &ln.Description, &ln.Unit,
			&qty, &price, &disc, &taxRate, &taxAmount, &lineTotal); err != nil {
			return err
		}
		for _, pair := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&ln.Quantity, qty}, {&ln.UnitPrice, price}, {&ln.Discount, disc},
			{&ln.TaxRate, taxRate}, {&ln.TaxAmount, taxAmount}, {&ln.LineTotal, lineTotal},
		} {
			d, err := decimal.NewFromString(pair.src)
			if err != nil {
				return fmt.Errorf("store: invoice %d line %d: %w", inv.ID, ln.LineNumber, err)
			}
			*pair.dst = d
		}
		inv.Lines = append(inv.Lines, ln)
	}
	return rows.Err()
}

// exec1 runs a conditional update and reports whether exactly one row
// changed. Zero rows is the claim-contention outcome, not an error.
func (p *Postgres) exec1(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) PendingUploads(ctx context.Context, olderThan time.Time, limit int) ([]*types.Invoice, error) {
	return p.queryInvoices(ctx, `
SELECT `+invoiceColumns+` FROM invoices
WHERE status = $1 AND (cid IS NULL OR cid = '') AND created_at < $2
ORDER BY created_at ASC LIMIT $3`,
		types.StatusUploaded, olderThan, limit)
}

func (p *Postgres) ClaimForUpload(ctx context.Context, invoiceID int64) (bool, error) {
	return p.exec1(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3`,
		types.StatusUploadInFlight, invoiceID, types.StatusUploaded)
}

func (p *Postgres) ReleaseUploadClaim(ctx context.Context, invoiceID int64) error {
	_, err := p.exec1(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3`,
		types.StatusUploaded, invoiceID, types.StatusUploadInFlight)
	return err
}

func (p *Postgres) MarkIpfsStored(ctx context.Context, invoiceID int64, cid, cidHash, immutableHash string) error {
	ok, err := p.exec1(ctx, `
UPDATE invoices SET status = $1, cid = $2, cid_hash = $3, immutable_hash = $4, updated_at = now()
WHERE id = $5 AND status = $6`,
		types.StatusIpfsStored, cid, cidHash, immutableHash, invoiceID, types.StatusUploadInFlight)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkIpfsFailed(ctx context.Context, invoiceID int64) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE invoices SET status = $1, updated_at = now() WHERE id = $2`,
		types.StatusIpfsFailed, invoiceID)
	return err
}

func (p *Postgres) SweepStaleUploads(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE status = $2 AND updated_at < $3`,
		types.StatusUploaded, types.StatusUploadInFlight, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) BatchCandidates(ctx context.Context, limit int) ([]*types.Invoice, error) {
	return p.queryInvoices(ctx, `
SELECT `+invoiceColumns+` FROM invoices
WHERE status = $1 AND cid IS NOT NULL AND cid <> '' AND batch_id IS NULL
ORDER BY created_at ASC LIMIT $2`,
		types.StatusIpfsStored, limit)
}

func (p *Postgres) CreateBatch(ctx context.Context, b *types.InvoiceBatch) error {
	return p.db.QueryRowContext(ctx, `
INSERT INTO invoice_batches (batch_id, count, status, created_at, updated_at)
VALUES ($1, $2, $3, now(), now()) RETURNING id, created_at, updated_at`,
		b.BatchID, b.Count, b.Status).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (p *Postgres) ClaimForBatch(ctx context.Context, invoiceID, batchID int64) (bool, error) {
	return p.exec1(ctx, `
UPDATE invoices SET status = $1, batch_id = $2, updated_at = now()
WHERE id = $3 AND status = $4 AND batch_id IS NULL`,
		types.StatusBatched, batchID, invoiceID, types.StatusIpfsStored)
}

func (p *Postgres) SetBatchCount(ctx context.Context, batchID int64, count int) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE invoice_batches SET count = $1, updated_at = now() WHERE id = $2`, count, batchID)
	return err
}

func (p *Postgres) SetInvoiceProof(ctx context.Context, invoiceID int64, proofJSON string) error {
	ok, err := p.exec1(ctx, `
UPDATE invoices SET merkle_proof = $1, status = $2, updated_at = now()
WHERE id = $3 AND status = $4`,
		proofJSON, types.StatusBlockchainPending, invoiceID, types.StatusBatched)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkBatchReady(ctx context.Context, batchID int64, merkleRoot, batchCID string) error {
	ok, err := p.exec1(ctx, `
UPDATE invoice_batches SET merkle_root = $1, batch_cid = $2, status = $3, updated_at = now()
WHERE id = $4 AND status = $5`,
		merkleRoot, batchCID, types.BatchReadyToSend, batchID, types.BatchProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RevertBatch(ctx context.Context, batchID int64) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE invoice_batches SET status = $1, updated_at = now() WHERE id = $2`,
			types.BatchBlockchainFailed, batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE invoices SET status = $1, batch_id = NULL, merkle_proof = NULL, updated_at = now()
WHERE batch_id = $2`,
			types.StatusIpfsStored, batchID)
		return err
	})
}

func (p *Postgres) ReadyBatches(ctx context.Context, limit int) ([]*types.InvoiceBatch, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT `+batchColumns+` FROM invoice_batches
WHERE status = $1 AND merkle_root IS NOT NULL AND merkle_root <> '' AND (tx_hash IS NULL OR tx_hash = '')
ORDER BY created_at ASC LIMIT $2`,
		types.BatchReadyToSend, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]*types.InvoiceBatch, error) {
	var out []*types.InvoiceBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimBatchForSubmit(ctx context.Context, batchID int64) (bool, error) {
	return p.exec1(ctx, `
UPDATE invoice_batches SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3 AND (tx_hash IS NULL OR tx_hash = '')`,
		types.BatchBlockchainPending, batchID, types.BatchReadyToSend)
}

func (p *Postgres) ReleaseSubmitClaim(ctx context.Context, batchID int64) error {
	_, err := p.exec1(ctx, `
UPDATE invoice_batches SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3 AND (tx_hash IS NULL OR tx_hash = '')`,
		types.BatchReadyToSend, batchID, types.BatchBlockchainPending)
	return err
}

func (p *Postgres) SetBatchTxHash(ctx context.Context, batchID int64, txHash string) error {
	ok, err := p.exec1(ctx, `
UPDATE invoice_batches SET tx_hash = $1, updated_at = now()
WHERE id = $2 AND status = $3`,
		txHash, batchID, types.BatchBlockchainPending)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PendingBatches(ctx context.Context) ([]*types.InvoiceBatch, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT `+batchColumns+` FROM invoice_batches
WHERE status = $1 AND tx_hash IS NOT NULL AND tx_hash <> ''
ORDER BY created_at ASC`,
		types.BatchBlockchainPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (p *Postgres) ConfirmBatch(ctx context.Context, batchID int64, blockNumber uint64, confirmedAt time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE invoice_batches SET status = $1, block_number = $2, confirmed_at = $3, updated_at = now()
WHERE id = $4`,
			types.BatchBlockchainConfirmed, int64(blockNumber), confirmedAt, batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE batch_id = $2 AND status = $3`,
			types.StatusBlockchainConfirmed, batchID, types.StatusBlockchainPending)
		return err
	})
}

func (p *Postgres) FailBatch(ctx context.Context, batchID int64) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE invoice_batches SET status = $1, updated_at = now() WHERE id = $2`,
			types.BatchBlockchainFailed, batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE batch_id = $2 AND status NOT IN ($3, $4)`,
			types.StatusBlockchainFailed, batchID, types.StatusIpfsFailed, types.StatusBlockchainFailed)
		return err
	})
}

func (p *Postgres) FinalizeConfirmed(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
UPDATE invoices SET status = $1, updated_at = now()
WHERE status = $2 AND batch_id IN (
  SELECT id FROM invoice_batches WHERE status = $3 AND confirmed_at < $4
)`,
		types.StatusFinalized, types.StatusBlockchainConfirmed,
		types.BatchBlockchainConfirmed, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) Invoice(ctx context.Context, id int64) (*types.Invoice, error) {
	inv, err := scanInvoice(p.db.QueryRowContext(ctx, `
SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadLines(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (p *Postgres) Batch(ctx context.Context, id int64) (*types.InvoiceBatch, error) {
	b, err := scanBatch(p.db.QueryRowContext(ctx, `
SELECT `+batchColumns+` FROM invoice_batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *Postgres) BatchInvoices(ctx context.Context, batchID int64) ([]*types.Invoice, error) {
	return p.queryInvoices(ctx, `
SELECT `+invoiceColumns+` FROM invoices WHERE batch_id = $1 ORDER BY id ASC`, batchID)
}

// inTx runs fn in a transaction, rolling back on error.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ Store = (*Postgres)(nil)
