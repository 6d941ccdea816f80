package models

import "strings"

// Registration is the durable per-registration record. It accumulates
// fields over the payment lifecycle: customer metadata at initiation,
// amount and card metadata from the gateway webhook, receipt URL from
// the invoicing API. Fields are only ever added or corrected, never
// retracted, so concurrent writers merge instead of overwriting.
type Registration struct {
	CustomerName  string  `json:"CustomerName,omitempty"`
	CustomerEmail string  `json:"CustomerEmail,omitempty"`
	Course        string  `json:"Course,omitempty"`
	PaidAmount    float64 `json:"paidAmount,omitempty"`
	Last4         string  `json:"last4,omitempty"`
	ReceiptURL    string  `json:"receiptUrl,omitempty"`
}

// Merge overlays other onto r, keeping existing values where other is
// empty. PaidAmount is monotonic: a zero in other never clears a
// previously recorded amount.
func (r Registration) Merge(other Registration) Registration {
	out := r
	if strings.TrimSpace(other.CustomerName) != "" {
		out.CustomerName = other.CustomerName
	}
	if strings.TrimSpace(other.CustomerEmail) != "" {
		out.CustomerEmail = other.CustomerEmail
	}
	if strings.TrimSpace(other.Course) != "" {
		out.Course = other.Course
	}
	if other.PaidAmount > 0 {
		out.PaidAmount = other.PaidAmount
	}
	if strings.TrimSpace(other.Last4) != "" {
		out.Last4 = other.Last4
	}
	if strings.TrimSpace(other.ReceiptURL) != "" {
		out.ReceiptURL = other.ReceiptURL
	}
	return out
}

// IsZero reports whether no field of the record has been set.
func (r Registration) IsZero() bool {
	return r == Registration{}
}
