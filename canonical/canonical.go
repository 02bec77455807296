// Package canonical produces the byte-exact canonical JSON representation of
// an invoice and its SHA-256 attestation hashes. Two semantically equal
// invoices always canonicalize to identical bytes: key order is fixed by
// struct field order, line items are sorted by line number, and decimals are
// rendered at their declared scale (18,2 money; 18,4 quantity; 5,2 rate).
//
// The SHA-256 hashes here are auditing aids and are distinct from the
// Keccak-256 hashing used by the merkle package for on-chain verification.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/invanchor/invanchor/types"
)

// Version is the canonical document format version recorded in metadata.
const Version = "1.0"

// createdAtLayout renders timestamps as YYYY-MM-DDTHH:MM:SS.sssZ in UTC.
const createdAtLayout = "2006-01-02T15:04:05.000Z"

var errNilInvoice = errors.New("canonical: nil invoice")

// document mirrors the canonical section ordering: identity fields first,
// then sellerInfo, customerInfo, invoiceDetails, lines, metadata. Field order
// in this struct is the canonical key order; do not reorder.
type document struct {
	InvoiceID      int64          `json:"invoiceId"`
	InvoiceNumber  string         `json:"invoiceNumber"`
	FormNumber     string         `json:"formNumber"`
	Serial         string         `json:"serial"`
	SellerInfo     party          `json:"sellerInfo"`
	CustomerInfo   party          `json:"customerInfo"`
	InvoiceDetails invoiceDetails `json:"invoiceDetails"`
	Lines          []lineEntry    `json:"lines"`
	Metadata       metadata       `json:"metadata"`
}

type party struct {
	Name    string `json:"name"`
	TaxID   string `json:"taxId"`
	Address string `json:"address"`
	Email   string `json:"email"`
}

type invoiceDetails struct {
	IssuedDate     string          `json:"issuedDate"`
	SubTotal       json.RawMessage `json:"subTotal"`
	TaxAmount      json.RawMessage `json:"taxAmount"`
	DiscountAmount json.RawMessage `json:"discountAmount"`
	TotalAmount    json.RawMessage `json:"totalAmount"`
	Currency       string          `json:"currency"`
	Note           string          `json:"note"`
}

type lineEntry struct {
	LineNumber  int             `json:"lineNumber"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Quantity    json.RawMessage `json:"quantity"`
	UnitPrice   json.RawMessage `json:"unitPrice"`
	Discount    json.RawMessage `json:"discount"`
	TaxRate     json.RawMessage `json:"taxRate"`
	TaxAmount   json.RawMessage `json:"taxAmount"`
	LineTotal   json.RawMessage `json:"lineTotal"`
}

type metadata struct {
	CreatedAt string `json:"createdAt"`
	Version   string `json:"version"`
}

// money renders a decimal as a JSON number with exactly 2 fraction digits.
func money(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.StringFixed(2))
}

// quantity renders a decimal with exactly 4 fraction digits.
func quantity(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.StringFixed(4))
}

// rate renders a tax rate with exactly 2 fraction digits.
func rate(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.StringFixed(2))
}

// JSON returns the canonical JSON bytes for the invoice. The invoice is not
// mutated; lines are copied before sorting.
func JSON(inv *types.Invoice) ([]byte, error) {
	if inv == nil {
		return nil, errNilInvoice
	}

	lines := make([]types.InvoiceLine, len(inv.Lines))
	copy(lines, inv.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineNumber < lines[j].LineNumber })

	doc := document{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		FormNumber:    inv.FormNumber,
		Serial:        inv.Serial,
		SellerInfo: party{
			Name:    inv.SellerName,
			TaxID:   inv.SellerTaxID,
			Address: inv.SellerAddress,
			Email:   inv.SellerEmail,
		},
		CustomerInfo: party{
			Name:    inv.CustomerName,
			TaxID:   inv.CustomerTaxID,
			Address: inv.CustomerAddress,
			Email:   inv.CustomerEmail,
		},
		InvoiceDetails: invoiceDetails{
			IssuedDate:     inv.IssuedDate.UTC().Format(createdAtLayout),
			SubTotal:       money(inv.SubTotal),
			TaxAmount:      money(inv.TaxAmount),
			DiscountAmount: money(inv.DiscountAmount),
			TotalAmount:    money(inv.TotalAmount),
			Currency:       inv.Currency,
			Note:           inv.Note,
		},
		Lines: make([]lineEntry, 0, len(lines)),
		Metadata: metadata{
			CreatedAt: inv.CreatedAt.UTC().Format(createdAtLayout),
			Version:   Version,
		},
	}

	for _, ln := range lines {
		doc.Lines = append(doc.Lines, lineEntry{
			LineNumber:  ln.LineNumber,
			Description: ln.Description,
			Unit:        ln.Unit,
			Quantity:    quantity(ln.Quantity),
			UnitPrice:   money(ln.UnitPrice),
			Discount:    money(ln.Discount),
			TaxRate:     rate(ln.TaxRate),
			TaxAmount:   money(ln.TaxAmount),
			LineTotal:   money(ln.LineTotal),
		})
	}

	// encoding/json emits no insignificant whitespace and preserves struct
	// field order, which pins the canonical byte layout.
	return json.Marshal(doc)
}

// Hash computes the lowercase hex SHA-256 of arbitrary bytes, no 0x prefix.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CIDHash computes the lowercase hex SHA-256 of a CID string.
func CIDHash(cid string) string {
	return Hash([]byte(cid))
}

// Canonicalize returns the canonical bytes and their immutable hash in one
// step; this is what the upload job calls before pinning.
func Canonicalize(inv *types.Invoice) (body []byte, immutableHash string, err error) {
	body, err = JSON(inv)
	if err != nil {
		return nil, "", err
	}
	return body, Hash(body), nil
}
