package settlement

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLocale formats amounts the way Bolivian tax forms print them.
var DefaultLocale = language.MustParse("es-BO")

// Summary renders the payable and carried figures as human-readable lines.
func (r Result) Summary(tag language.Tag) string {
	if tag == language.Und {
		tag = DefaultLocale
	}
	p := message.NewPrinter(tag)
	lines := []string{
		p.Sprintf("Periodo %s", r.Period.String()),
		p.Sprintf("IVA a pagar: Bs %.2f", amount(r.VAT.AmountPayable)),
		p.Sprintf("Saldo crédito fiscal: Bs %.2f", amount(r.VAT.ClosingCreditBalance)),
		p.Sprintf("IT a pagar: Bs %.2f", amount(r.TransactionTax.AmountPayable)),
		p.Sprintf("Saldo IUE compensable: Bs %.2f", amount(r.TransactionTax.ClosingProfitTaxCredit)),
	}
	return strings.Join(lines, "\n")
}

func amount(v decimal.Decimal) float64 {
	return v.InexactFloat64()
}
