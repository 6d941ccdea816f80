package handlers

import (
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"regpay/backend/internal/models"
	"regpay/backend/internal/pelecard"
)

// maxWebhookBody caps provider notification bodies.
const maxWebhookBody = 1 << 20

type initPaymentRequest struct {
	RegID         string  `validate:"required"`
	CustomerName  string
	CustomerEmail string  `validate:"omitempty,email"`
	Course        string
	Amount        float64 `validate:"omitempty,gte=0"`
}

// InitPayment persists the initial registration record and redirects
// the browser to the gateway's hosted payment page.
func (h *Handler) InitPayment(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	if !h.initLimiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	q := r.URL.Query()
	req := initPaymentRequest{
		RegID:         strings.TrimSpace(q.Get("RegID")),
		CustomerName:  strings.TrimSpace(q.Get("CustomerName")),
		CustomerEmail: strings.TrimSpace(q.Get("CustomerEmail")),
		Course:        strings.TrimSpace(q.Get("Course")),
	}
	if raw := strings.TrimSpace(q.Get("Amount")); raw != "" {
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil || amount < 0 {
			writeError(w, http.StatusBadRequest, "invalid Amount")
			return
		}
		req.Amount = amount
	}
	if req.RegID == "" {
		logger.Warn("init_payment", "status", "missing_reg_id")
		http.Error(w, "Missing RegID", http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		logger.Warn("init_payment", "status", "invalid_request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	// Capture customer metadata before leaving for the hosted page; the
	// webhook recovers it from the store when issuing the receipt.
	saved, err := h.store.GetRegistration(ctx, req.RegID)
	if err != nil {
		logger.Error("init_payment", "status", "store_read_failed", "reg_id", req.RegID, "error", err)
	}
	merged := saved.Merge(models.Registration{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Course:        req.Course,
	})
	if err := h.store.PutRegistration(ctx, req.RegID, merged); err != nil {
		logger.Error("init_payment", "status", "store_write_failed", "reg_id", req.RegID, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	initReq := pelecard.InitRequest{
		ActionType:                 pelecard.ActionCharge,
		Currency:                   h.cfg.Pelecard.Currency,
		GoodURL:                    h.browserReturnURL("approved", req.RegID),
		ErrorURL:                   h.browserReturnURL("failed", req.RegID),
		ServerSideGoodFeedbackURL:  h.cfg.BaseURL + "/pelecard-callback",
		ServerSideErrorFeedbackURL: h.cfg.BaseURL + "/pelecard-callback",
		ParamX:                     req.RegID,
		MaxPayments:                h.cfg.Pelecard.MaxPayments,
		MinPayments:                h.cfg.Pelecard.MinPayments,
	}
	if req.Amount > 0 {
		initReq.Total = int64(math.Round(req.Amount * 100))
	} else {
		initReq.FreeTotal = "True"
	}

	pageURL, raw, err := h.gateway.Init(ctx, initReq)
	if err != nil {
		logger.Error("init_payment", "status", "gateway_error", "reg_id", req.RegID, "error", err)
		h.writeGatewayFailure(w, raw, err)
		return
	}

	logger.Info("init_payment", "status", "redirecting", "reg_id", req.RegID, "fixed_amount", req.Amount > 0)
	http.Redirect(w, r, pageURL, http.StatusFound)
}

// TokenizeCard starts a J2 card-registration session. The gateway
// posts the token back to the caller-supplied return URL via GET.
func (h *Handler) TokenizeCard(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	q := r.URL.Query()
	regID := strings.TrimSpace(q.Get("RegID"))
	returnURL := strings.TrimSpace(q.Get("ReturnURL"))
	if regID == "" || returnURL == "" {
		http.Error(w, "Missing RegID or ReturnURL", http.StatusBadRequest)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	initReq := pelecard.InitRequest{
		ActionType:                 pelecard.ActionTokenize,
		CreateToken:                "True",
		Currency:                   h.cfg.Pelecard.Currency,
		FeedbackDataTransferMethod: "GET",
		GoodURL:                    appendReturnParams(returnURL, "approved", regID),
		ErrorURL:                   appendReturnParams(returnURL, "failed", regID),
		ParamX:                     regID,
	}

	pageURL, raw, err := h.gateway.Init(ctx, initReq)
	if err != nil {
		logger.Error("tokenize_card", "status", "gateway_error", "reg_id", regID, "error", err)
		h.writeGatewayFailure(w, raw, err)
		return
	}

	logger.Info("tokenize_card", "status", "redirecting", "reg_id", regID)
	http.Redirect(w, r, pageURL, http.StatusFound)
}

// PelecardWebhook receives the server-to-server notification. It is a
// dead end from the provider's retry perspective: whatever happens
// inside, the response is 200 OK. A non-success status here would turn
// a transient invoicing outage into a provider retry storm.
func (h *Handler) PelecardWebhook(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("pelecard_webhook", "status", "body_read_failed", "error", err)
		writeOK(w)
		return
	}

	rd, err := pelecard.DecodeNotification(body)
	if err != nil {
		if errors.Is(err, pelecard.ErrUnparseable) {
			logger.Warn("pelecard_webhook", "status", "unparseable", "body_len", len(body))
		} else {
			logger.Warn("pelecard_webhook", "status", "decode_failed", "error", err)
		}
		h.archiveNotification(r, "", body)
		writeOK(w)
		return
	}
	h.archiveNotification(r, rd.RegistrationID(), body)

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	outcome, err := h.reconciler.Process(ctx, rd)
	if err != nil {
		logger.Error("pelecard_webhook", "status", "reconcile_failed", "reg_id", outcome.RegID, "transaction_id", outcome.TransactionID, "error", err)
	} else if outcome.Skipped {
		logger.Info("pelecard_webhook", "status", "skipped", "reg_id", outcome.RegID, "reason", outcome.Reason)
	} else {
		logger.Info("pelecard_webhook", "status", "settled",
			"reg_id", outcome.RegID,
			"transaction_id", outcome.TransactionID,
			"amount", outcome.Amount,
			"payments", outcome.Payments,
			"invoiced", outcome.Invoiced,
		)
	}

	writeOK(w)
}

// BrowserReturn handles the synchronous redirect back from the hosted
// page. The webhook races it, so on success it waits (bounded) for the
// stored amount to appear before redirecting on to the downstream form.
func (h *Handler) BrowserReturn(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)

	q := r.URL.Query()
	status := strings.TrimSpace(q.Get("Status"))
	regID := strings.TrimSpace(q.Get("RegID"))
	transactionID := strings.TrimSpace(q.Get("TransactionId"))

	if regID == "" {
		logger.Warn("browser_return", "status", "missing_reg_id")
		http.Redirect(w, r, h.cfg.Form.FailureURL, http.StatusFound)
		return
	}

	if status != "approved" {
		// No webhook will produce an amount for a failed attempt.
		h.redirectToForm(w, r, regID, status, models.Registration{})
		return
	}

	record, converged := h.reconciler.WaitForAmount(r.Context(), regID)
	if !converged {
		logger.Warn("browser_return", "status", "convergence_timeout", "reg_id", regID, "transaction_id", transactionID)
		if transactionID != "" {
			if outcome, err := h.reconciler.Recover(r.Context(), regID, transactionID); err != nil {
				logger.Warn("browser_return", "status", "recover_failed", "reg_id", regID, "error", err)
			} else if !outcome.Skipped {
				if refreshed, err := h.store.GetRegistration(r.Context(), regID); err == nil {
					record = refreshed
				}
			}
		}
	}

	h.redirectToForm(w, r, regID, status, record)
}

func (h *Handler) browserReturnURL(status, regID string) string {
	return appendReturnParams(h.cfg.BaseURL+"/callback", status, regID)
}

// appendReturnParams round-trips status and registration id through
// the gateway's browser redirect.
func appendReturnParams(base, status, regID string) string {
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + "Status=" + url.QueryEscape(status) + "&RegID=" + url.QueryEscape(regID)
}

func (h *Handler) redirectToForm(w http.ResponseWriter, r *http.Request, regID, status string, record models.Registration) {
	target := h.cfg.Form.URL
	separator := "?"
	if strings.Contains(target, "?") {
		separator = "&"
	}
	params := url.Values{}
	params.Set("RegID", regID)
	params.Set("Status", status)
	params.Set("Total", formatAmount(record.PaidAmount))
	params.Set("ReceiptURL", record.ReceiptURL)
	params.Set("Last4", record.Last4)
	http.Redirect(w, r, target+separator+params.Encode(), http.StatusFound)
}

// writeGatewayFailure surfaces the gateway's raw diagnostic payload to
// the initiating browser; initiation is not retried server-side.
func (h *Handler) writeGatewayFailure(w http.ResponseWriter, raw []byte, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if len(raw) > 0 {
		_, _ = w.Write(raw)
		return
	}
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(err.Error()) + `}`))
}

func (h *Handler) archiveNotification(r *http.Request, regID string, body []byte) {
	if h.archive == nil || len(body) == 0 {
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	if _, err := h.archive.ArchiveNotification(ctx, regID, body); err != nil {
		h.loggerForRequest(r).Warn("pelecard_webhook", "status", "archive_failed", "error", err)
	}
}

func formatAmount(amount float64) string {
	if amount <= 0 {
		return ""
	}
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
