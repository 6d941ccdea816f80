// Package reconcile converges the two independently-arriving
// notifications of a gateway charge (server-to-server webhook and
// browser return) onto the durable registration record.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"regpay/backend/internal/models"
	"regpay/backend/internal/pelecard"
	"regpay/backend/internal/sumit"
)

// Store is the durable transaction store contract. Implementations
// never fail a read with "not found": an absent record reads as empty.
type Store interface {
	GetRegistration(ctx context.Context, regID string) (models.Registration, error)
	PutRegistration(ctx context.Context, regID string, record models.Registration) error
	ClaimInvoice(ctx context.Context, transactionID, regID string) (bool, error)
}

// TransactionFetcher looks up the authoritative transaction record at
// the gateway.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, transactionID string) (pelecard.ResultData, []byte, error)
}

// DocumentCreator issues a receipt document at the invoicing API.
type DocumentCreator interface {
	CreateDocument(ctx context.Context, in sumit.CreateDocumentRequest) (sumit.Document, []byte, error)
}

type Config struct {
	FallbackCustomerName string
	FallbackEmail        string
	WaitTimeout          time.Duration
	PollInterval         time.Duration
}

type Reconciler struct {
	store     Store
	gateway   TransactionFetcher
	invoicing DocumentCreator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Outcome describes what a single notification ended up doing. A
// skipped outcome is not an error: declined, uncorrelatable and
// redelivered notifications all terminate quietly.
type Outcome struct {
	RegID         string
	TransactionID string
	Amount        float64
	Payments      int
	Last4         string
	ReceiptURL    string
	Invoiced      bool
	Skipped       bool
	Reason        string
}

func New(store Store, gateway TransactionFetcher, invoicing DocumentCreator, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackCustomerName == "" {
		cfg.FallbackCustomerName = "Client"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Reconciler{
		store:     store,
		gateway:   gateway,
		invoicing: invoicing,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs the webhook state machine over a decoded notification:
// correlate, confirm approval, optionally re-fetch the authoritative
// record, normalize, invoice at most once per transaction id, persist.
// The returned error never reaches the provider; the webhook endpoint
// acknowledges regardless.
func (r *Reconciler) Process(ctx context.Context, rd pelecard.ResultData) (Outcome, error) {
	regID := rd.RegistrationID()
	transactionID := strings.TrimSpace(rd.TransactionID.String())

	if regID == "" {
		return Outcome{Skipped: true, Reason: "missing registration id"}, nil
	}
	if transactionID == "" {
		return Outcome{RegID: regID, Skipped: true, Reason: "missing transaction id"}, nil
	}
	if !rd.Approved() {
		return Outcome{RegID: regID, TransactionID: transactionID, Skipped: true, Reason: "not approved"}, nil
	}

	// Thin envelopes carry approval but no amount; replace with the
	// authoritative record when the gateway can supply one.
	if r.gateway != nil && rd.AmountMinorUnits() == 0 {
		fetched, _, err := r.gateway.GetTransaction(ctx, transactionID)
		if err != nil {
			r.logger.Warn("reconcile_lookup_failed", "reg_id", regID, "transaction_id", transactionID, "error", err)
		} else {
			rd = fetched
		}
	}

	return r.settle(ctx, regID, transactionID, rd)
}

// Recover is the browser path's second-chance reconciliation: when the
// bounded wait expires without an amount, the handler re-fetches by
// transaction id and settles independently of the webhook.
func (r *Reconciler) Recover(ctx context.Context, regID, transactionID string) (Outcome, error) {
	regID = strings.TrimSpace(regID)
	transactionID = strings.TrimSpace(transactionID)
	if r.gateway == nil {
		return Outcome{RegID: regID, Skipped: true, Reason: "no gateway lookup configured"}, nil
	}
	if regID == "" || transactionID == "" {
		return Outcome{RegID: regID, Skipped: true, Reason: "missing identifiers"}, nil
	}
	rd, _, err := r.gateway.GetTransaction(ctx, transactionID)
	if err != nil {
		return Outcome{RegID: regID, TransactionID: transactionID, Skipped: true, Reason: "lookup failed"}, err
	}
	if !rd.Approved() {
		return Outcome{RegID: regID, TransactionID: transactionID, Skipped: true, Reason: "not approved"}, nil
	}
	return r.settle(ctx, regID, transactionID, rd)
}

func (r *Reconciler) settle(ctx context.Context, regID, transactionID string, rd pelecard.ResultData) (Outcome, error) {
	amountMinor := rd.AmountMinorUnits()
	amount := float64(amountMinor) / 100
	payments := rd.PaymentCount()
	last4 := rd.Last4()

	out := Outcome{
		RegID:         regID,
		TransactionID: transactionID,
		Amount:        amount,
		Payments:      payments,
		Last4:         last4,
	}

	saved, err := r.store.GetRegistration(ctx, regID)
	if err != nil {
		r.logger.Warn("reconcile_read_failed", "reg_id", regID, "error", err)
		saved = models.Registration{}
	}

	receiptURL := ""
	claimed := r.claimInvoice(ctx, transactionID, regID)
	if claimed {
		doc, _, err := r.invoicing.CreateDocument(ctx, r.buildDocumentRequest(regID, transactionID, saved, amount, payments, last4))
		if err != nil {
			r.logger.Error("reconcile_invoice_failed", "reg_id", regID, "transaction_id", transactionID, "error", err)
		} else if strings.TrimSpace(doc.DocumentDownloadURL) != "" {
			receiptURL = doc.DocumentDownloadURL
			out.Invoiced = true
		} else {
			r.logger.Warn("reconcile_invoice_no_url", "reg_id", regID, "transaction_id", transactionID)
		}
	} else {
		r.logger.Info("reconcile_invoice_already_claimed", "reg_id", regID, "transaction_id", transactionID)
	}
	out.ReceiptURL = receiptURL

	merged := saved.Merge(models.Registration{
		PaidAmount: amount,
		Last4:      last4,
		ReceiptURL: receiptURL,
	})
	if err := r.store.PutRegistration(ctx, regID, merged); err != nil {
		return out, fmt.Errorf("persist registration %s: %w", regID, err)
	}
	return out, nil
}

// claimInvoice is best-effort dedup of redelivered webhooks. A store
// failure falls back to invoicing, matching the provider's own
// at-least-once delivery posture.
func (r *Reconciler) claimInvoice(ctx context.Context, transactionID, regID string) bool {
	claimed, err := r.store.ClaimInvoice(ctx, transactionID, regID)
	if err != nil {
		r.logger.Warn("reconcile_claim_failed", "transaction_id", transactionID, "error", err)
		return true
	}
	return claimed
}

func (r *Reconciler) buildDocumentRequest(regID, transactionID string, saved models.Registration, amount float64, payments int, last4 string) sumit.CreateDocumentRequest {
	name := strings.TrimSpace(saved.CustomerName)
	if name == "" {
		name = r.cfg.FallbackCustomerName
	}
	email := strings.TrimSpace(saved.CustomerEmail)
	if email == "" {
		email = r.cfg.FallbackEmail
	}
	return sumit.CreateDocumentRequest{
		Details: sumit.Details{
			Date:              r.now().UTC().Format(time.RFC3339),
			Customer:          sumit.Customer{Name: name, EmailAddress: email},
			SendByEmail:       sumit.SendByEmail{EmailAddress: email, Original: true},
			Type:              sumit.DocumentTypeReceipt,
			ExternalReference: regID,
			Comments:          "Pelecard " + transactionID,
		},
		Items: []sumit.LineItem{{
			Quantity:   1,
			UnitPrice:  amount,
			TotalPrice: amount,
			Item:       sumit.Item{Name: "Registration"},
		}},
		Payments: []sumit.Payment{{
			Amount: amount,
			Type:   sumit.PaymentTypeCreditCard,
			DetailsCreditCard: sumit.CreditCardDetails{
				Last4Digits: last4,
				Payments:    payments,
			},
		}},
		VATIncluded: true,
	}
}

// WaitForAmount polls the store until the record for regID carries an
// amount or the configured wall-clock budget expires. It always
// returns within the budget plus one poll interval; the second return
// is false on timeout, and the record may still be partially empty.
func (r *Reconciler) WaitForAmount(ctx context.Context, regID string) (models.Registration, bool) {
	deadline := r.now().Add(r.cfg.WaitTimeout)
	var last models.Registration
	for {
		record, err := r.store.GetRegistration(ctx, regID)
		if err != nil {
			r.logger.Warn("convergence_read_failed", "reg_id", regID, "error", err)
		} else {
			last = record
			if record.PaidAmount > 0 {
				return record, true
			}
		}

		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return last, false
		}
		wait := r.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return last, false
		case <-time.After(wait):
		}
	}
}
