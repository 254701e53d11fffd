// Package settlement computes the monthly IVA, IT and IUE figures for a single period.
package settlement

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

var (
	// VATRate is the IVA rate applied to gross sales and purchases.
	VATRate = decimal.RequireFromString("0.13")
	// TransactionTaxRate is the IT rate applied to gross sales.
	TransactionTaxRate = decimal.RequireFromString("0.03")
)

// ErrInvalidInput is returned for negative amounts, non-positive index readings or a malformed period.
var ErrInvalidInput = errors.New("settlement: invalid input")

// ErrInvalidIndex is returned when the opening UFV reading cannot be used as a divisor.
var ErrInvalidIndex = errors.New("settlement: invalid ufv index")

// Input carries everything required to settle one period.
type Input struct {
	Period               shared.Period   `json:"period"`
	GrossSales           decimal.Decimal `json:"gross_sales"`
	GrossPurchases       decimal.Decimal `json:"gross_purchases"`
	UFVStart             decimal.Decimal `json:"ufv_start"`
	UFVEnd               decimal.Decimal `json:"ufv_end"`
	PriorCreditBalance   decimal.Decimal `json:"prior_credit_balance"`
	PriorProfitTaxCredit decimal.Decimal `json:"prior_profit_tax_credit"`
}

// VAT holds the IVA block of a settlement.
type VAT struct {
	OutputTax               decimal.Decimal `json:"output_tax"`
	InputTax                decimal.Decimal `json:"input_tax"`
	IndexedCreditAdjustment decimal.Decimal `json:"indexed_credit_adjustment"`
	TotalAvailableCredit    decimal.Decimal `json:"total_available_credit"`
	AmountPayable           decimal.Decimal `json:"amount_payable"`
	ClosingCreditBalance    decimal.Decimal `json:"closing_credit_balance"`
}

// TransactionTax holds the IT block of a settlement.
type TransactionTax struct {
	TaxDetermined          decimal.Decimal `json:"tax_determined"`
	AmountPayable          decimal.Decimal `json:"amount_payable"`
	ClosingProfitTaxCredit decimal.Decimal `json:"closing_profit_tax_credit"`
}

// ProfitTax is informational at monthly granularity; Provision is always zero.
type ProfitTax struct {
	NetProfitEstimate decimal.Decimal `json:"net_profit_estimate"`
	Provision         decimal.Decimal `json:"provision"`
}

// Result is the settlement of exactly one period.
type Result struct {
	Period         shared.Period  `json:"period"`
	VAT            VAT            `json:"iva"`
	TransactionTax TransactionTax `json:"it"`
	ProfitTax      ProfitTax      `json:"iue"`
}

// Equal reports whether two results carry the same figures for the same period.
func (r Result) Equal(other Result) bool {
	return r.Period == other.Period &&
		r.VAT.OutputTax.Equal(other.VAT.OutputTax) &&
		r.VAT.InputTax.Equal(other.VAT.InputTax) &&
		r.VAT.IndexedCreditAdjustment.Equal(other.VAT.IndexedCreditAdjustment) &&
		r.VAT.TotalAvailableCredit.Equal(other.VAT.TotalAvailableCredit) &&
		r.VAT.AmountPayable.Equal(other.VAT.AmountPayable) &&
		r.VAT.ClosingCreditBalance.Equal(other.VAT.ClosingCreditBalance) &&
		r.TransactionTax.TaxDetermined.Equal(other.TransactionTax.TaxDetermined) &&
		r.TransactionTax.AmountPayable.Equal(other.TransactionTax.AmountPayable) &&
		r.TransactionTax.ClosingProfitTaxCredit.Equal(other.TransactionTax.ClosingProfitTaxCredit) &&
		r.ProfitTax.NetProfitEstimate.Equal(other.ProfitTax.NetProfitEstimate) &&
		r.ProfitTax.Provision.Equal(other.ProfitTax.Provision)
}

// Equal reports whether two inputs describe the same period with the same amounts.
func (in Input) Equal(other Input) bool {
	return in.Period == other.Period &&
		in.GrossSales.Equal(other.GrossSales) &&
		in.GrossPurchases.Equal(other.GrossPurchases) &&
		in.UFVStart.Equal(other.UFVStart) &&
		in.UFVEnd.Equal(other.UFVEnd) &&
		in.PriorCreditBalance.Equal(other.PriorCreditBalance) &&
		in.PriorProfitTaxCredit.Equal(other.PriorProfitTaxCredit)
}
