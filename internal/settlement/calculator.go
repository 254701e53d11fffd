package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// divisionPrecision bounds the digits kept for the UFV ratio.
const divisionPrecision = 20

var one = decimal.NewFromInt(1)

// Compute settles a period. Inputs are rejected, never clamped; only the emitted
// aggregates are clamped to zero and rounded to two decimals.
func Compute(in Input) (Result, error) {
	if err := Validate(in); err != nil {
		return Result{}, err
	}

	outputTax := in.GrossSales.Mul(VATRate)
	inputTax := in.GrossPurchases.Mul(VATRate)
	ratio := in.UFVEnd.DivRound(in.UFVStart, divisionPrecision)
	adjustment := in.PriorCreditBalance.Mul(ratio.Sub(one))
	available := inputTax.Add(in.PriorCreditBalance).Add(adjustment)

	determined := in.GrossSales.Mul(TransactionTaxRate)

	return Result{
		Period: in.Period,
		VAT: VAT{
			OutputTax:               round(outputTax),
			InputTax:                round(inputTax),
			IndexedCreditAdjustment: round(adjustment),
			TotalAvailableCredit:    round(available),
			AmountPayable:           round(clamp(outputTax.Sub(available))),
			ClosingCreditBalance:    round(clamp(available.Sub(outputTax))),
		},
		TransactionTax: TransactionTax{
			TaxDetermined:          round(determined),
			AmountPayable:          round(clamp(determined.Sub(in.PriorProfitTaxCredit))),
			ClosingProfitTaxCredit: round(clamp(in.PriorProfitTaxCredit.Sub(determined))),
		},
		ProfitTax: ProfitTax{
			NetProfitEstimate: round(clamp(in.GrossSales.Sub(in.GrossPurchases))),
			Provision:         decimal.Zero,
		},
	}, nil
}

// Validate rejects inputs the calculator cannot settle.
func Validate(in Input) error {
	if err := in.Period.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.UFVStart.Sign() <= 0 {
		return fmt.Errorf("%w: ufv_start must be positive, got %s", ErrInvalidIndex, in.UFVStart)
	}
	amounts := []struct {
		name  string
		value decimal.Decimal
	}{
		{"gross_sales", in.GrossSales},
		{"gross_purchases", in.GrossPurchases},
		{"prior_credit_balance", in.PriorCreditBalance},
		{"prior_profit_tax_credit", in.PriorProfitTaxCredit},
	}
	for _, amount := range amounts {
		if amount.value.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidInput, amount.name, amount.value)
		}
	}
	if in.UFVEnd.Sign() <= 0 {
		return fmt.Errorf("%w: ufv_end must be positive, got %s", ErrInvalidInput, in.UFVEnd)
	}
	return nil
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// round applies half-away-from-zero rounding to cents.
func round(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
