package pelecard

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Field is a single gateway field value. Pelecard is inconsistent about
// value types across flows (the same field arrives as a JSON string in
// one flow and a bare number in another), so a Field decodes from both.
type Field string

func (f *Field) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Field(s)
		return nil
	}
	*f = Field(data)
	return nil
}

func (f Field) String() string {
	return string(f)
}

// ResultData is the canonical decoded shape of a gateway notification
// or transaction lookup. Only the fields the reconciliation path reads
// are declared; everything else the gateway sends is dropped at decode.
type ResultData struct {
	TransactionID    Field `json:"TransactionId"`
	ShvaResult       Field `json:"ShvaResult"`
	ParamX           Field `json:"ParamX"`
	Token            Field `json:"Token"`
	FreeTotalAmount  Field `json:"FreeTotalAmount"`
	TotalX100        Field `json:"TotalX100"`
	DebitTotal       Field `json:"DebitTotal"`
	TotalMinor       Field `json:"TotalMinor"`
	AmountMinor      Field `json:"AmountMinor"`
	Total            Field `json:"Total"`
	Amount           Field `json:"Amount"`
	TotalPayments    Field `json:"TotalPayments"`
	NumberOfPayments Field `json:"NumberOfPayments"`
	Payments         Field `json:"Payments"`
	PaymentsNum      Field `json:"PaymentsNum"`
	CreditCardNumber Field `json:"CreditCardNumber"`
	CardNumber       Field `json:"CardNumber"`
}

// shvaSuccess holds the result codes the gateway uses for an approved
// transaction, depending on flow.
var shvaSuccess = map[string]struct{}{
	"000": {},
	"0":   {},
}

// Approved reports whether the gateway explicitly approved the
// transaction. Any other result code, including an absent one, is a
// decline.
func (rd ResultData) Approved() bool {
	_, ok := shvaSuccess[strings.TrimSpace(rd.ShvaResult.String())]
	return ok
}

// ParseInt parses a loosely formatted gateway integer field: currency
// symbols, separators and whitespace are stripped before parsing. The
// second return is false for empty or unparseable input.
func ParseInt(value string) (int64, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, false
	}
	var digits strings.Builder
	for _, r := range s {
		if r == '-' || (r >= '0' && r <= '9') {
			digits.WriteRune(r)
		}
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AmountMinorUnits resolves the charged amount in minor currency units
// (agorot). The gateway reports the amount under different names and
// units depending on flow; candidates are tried in a fixed priority
// order that must not change.
//
// FreeTotalAmount is special: open-amount charges report it in major
// units. A decimal string is parsed as major units and converted; a
// small bare integer (< 100) is assumed to be major units as well;
// anything else is taken as already-minor units. Every other candidate
// is minor units directly.
func (rd ResultData) AmountMinorUnits() int64 {
	if free := strings.TrimSpace(rd.FreeTotalAmount.String()); free != "" {
		if strings.Contains(free, ".") {
			if major, err := strconv.ParseFloat(free, 64); err == nil {
				return int64(math.Round(major * 100))
			}
		}
		if n, ok := ParseInt(free); ok {
			if n > 0 && n < 100 {
				return n * 100
			}
			return n
		}
	}
	for _, candidate := range []Field{rd.TotalX100, rd.DebitTotal, rd.TotalMinor, rd.AmountMinor, rd.Total, rd.Amount} {
		if n, ok := ParseInt(candidate.String()); ok {
			return n
		}
	}
	return 0
}

// PaymentCount resolves the installment count; the first candidate
// field holding a positive integer wins, defaulting to a single
// payment.
func (rd ResultData) PaymentCount() int {
	for _, candidate := range []Field{rd.TotalPayments, rd.NumberOfPayments, rd.Payments, rd.PaymentsNum} {
		if n, ok := ParseInt(candidate.String()); ok && n > 0 {
			return int(n)
		}
	}
	return 1
}

var last4Pattern = regexp.MustCompile(`(?:^|\D)(\d{4})$`)

// Last4 extracts the trailing run of exactly four digits from the
// masked card number, across the field name variants the gateway uses.
func (rd ResultData) Last4() string {
	for _, candidate := range []Field{rd.CreditCardNumber, rd.CardNumber} {
		masked := strings.TrimSpace(candidate.String())
		if masked == "" {
			continue
		}
		if m := last4Pattern.FindStringSubmatch(masked); m != nil {
			return m[1]
		}
	}
	return ""
}

// RegistrationID recovers the registration id echoed through ParamX.
// Some flows concatenate several context values into ParamX separated
// by semicolons; the registration id is the second segment there, with
// the first as fallback when the second is empty.
func (rd ResultData) RegistrationID() string {
	raw := strings.TrimSpace(rd.ParamX.String())
	if raw == "" || !strings.Contains(raw, ";") {
		return raw
	}
	parts := strings.Split(raw, ";")
	if len(parts) > 1 {
		if second := strings.TrimSpace(parts[1]); second != "" {
			return second
		}
	}
	return strings.TrimSpace(parts[0])
}
