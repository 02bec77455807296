package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a business invoice moving through the anchoring pipeline. It is
// created by an external system; the pipeline only mutates the anchoring
// fields (Status, CID, CIDHash, ImmutableHash, BatchID, MerkleProof) and
// never deletes rows.
type Invoice struct {
	ID            int64
	InvoiceNumber string
	FormNumber    string
	Serial        string
	TenantOrgID   string
	IssuedByUser  string

	SellerName    string
	SellerTaxID   string
	SellerAddress string
	SellerEmail   string

	CustomerName    string
	CustomerTaxID   string
	CustomerAddress string
	CustomerEmail   string

	IssuedDate     time.Time
	SubTotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	Currency       string
	Note           string

	Status        Status
	BatchID       int64  // 0 = not batched
	CID           string // IPFS content id, "" until pinned
	CIDHash       string // lowercase hex sha256(cid), auditing aid
	ImmutableHash string // lowercase hex sha256(canonical bytes)
	MerkleProof   string // JSON array of 0x-prefixed sibling hashes

	CreatedAt time.Time
	UpdatedAt time.Time

	Lines []InvoiceLine
}

// InvoiceLine is one line item of an invoice. LineNumber is unique within
// the owning invoice and defines the canonical ordering.
type InvoiceLine struct {
	ID          int64
	InvoiceID   int64
	LineNumber  int
	Description string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	TaxRate     decimal.Decimal
	TaxAmount   decimal.Decimal
	LineTotal   decimal.Decimal
}

// Batched reports whether the invoice has been assigned to a batch.
func (inv *Invoice) Batched() bool { return inv.BatchID != 0 }
