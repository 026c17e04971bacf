package enrollment

import (
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/util"
)

// paymentKeywords maps each method to the words that select it.
var paymentKeywords = []struct {
	method models.PaymentMethod
	digit  string
	words  []string
}{
	{models.PaymentTransfer, "1", []string{"1", "deposito", "transferencia", "transferir", "depositar"}},
	{models.PaymentCard, "2", []string{"2", "tarjeta", "credito", "debito"}},
	{models.PaymentCashDesk, "3", []string{"3", "caja", "efectivo"}},
}

// ParsePaymentChoice maps a menu answer ("1", "3", "pago en caja") to a method.
// A bare menu number wins outright. Otherwise exactly one method must be named:
// an answer that names none, or more than one, returns false.
func ParsePaymentChoice(text string) (models.PaymentMethod, bool) {
	answer := strings.Trim(strings.TrimSpace(text), ".)")
	for _, pk := range paymentKeywords {
		if answer == pk.digit {
			return pk.method, true
		}
	}

	var chosen models.PaymentMethod
	for _, pk := range paymentKeywords {
		if !util.ContainsAnyWord(text, pk.words...) {
			continue
		}
		if chosen != "" {
			return "", false
		}
		chosen = pk.method
	}
	return chosen, chosen != ""
}
