// Package sumit is a thin client for the Sumit accounting API, used to
// issue receipt documents for confirmed charges.
package sumit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Document type and payment method codes used for card receipts.
const (
	DocumentTypeReceipt   = 1
	PaymentTypeCreditCard = 5
)

type Config struct {
	BaseURL   string
	CompanyID int64
	APIKey    string
}

type Client struct {
	baseURL    string
	companyID  int64
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sumit api status %d: %s", e.StatusCode, e.Body)
}

type Customer struct {
	Name         string `json:"Name"`
	EmailAddress string `json:"EmailAddress"`
}

type SendByEmail struct {
	EmailAddress string `json:"EmailAddress"`
	Original     bool   `json:"Original"`
}

type Details struct {
	Date              string      `json:"Date"`
	Customer          Customer    `json:"Customer"`
	SendByEmail       SendByEmail `json:"SendByEmail"`
	Type              int         `json:"Type"`
	ExternalReference string      `json:"ExternalReference"`
	Comments          string      `json:"Comments,omitempty"`
}

type Item struct {
	Name string `json:"Name"`
}

type LineItem struct {
	Quantity   int     `json:"Quantity"`
	UnitPrice  float64 `json:"UnitPrice"`
	TotalPrice float64 `json:"TotalPrice"`
	Item       Item    `json:"Item"`
}

type CreditCardDetails struct {
	Last4Digits string `json:"Last4Digits"`
	Payments    int    `json:"Payments"`
}

type Payment struct {
	Amount            float64           `json:"Amount"`
	Type              int               `json:"Type"`
	DetailsCreditCard CreditCardDetails `json:"Details_CreditCard"`
}

type credentials struct {
	CompanyID int64  `json:"CompanyID"`
	APIKey    string `json:"APIKey"`
}

// CreateDocumentRequest is the document-creation payload. Credentials
// are filled in by the client.
type CreateDocumentRequest struct {
	Details     Details      `json:"Details"`
	Items       []LineItem   `json:"Items"`
	Payments    []Payment    `json:"Payments"`
	VATIncluded bool         `json:"VATIncluded"`
	Credentials *credentials `json:"Credentials,omitempty"`
}

// Document is the unwrapped creation result. A missing download URL is
// not an error: the document may still be pending on the Sumit side.
type Document struct {
	DocumentID          json.Number `json:"DocumentID"`
	DocumentNumber      json.Number `json:"DocumentNumber"`
	DocumentDownloadURL string      `json:"DocumentDownloadURL"`
}

// createDocumentEnvelope covers both response shapes Sumit produces:
// the result either arrives bare or wrapped one level under Data.
type createDocumentEnvelope struct {
	Data *Document `json:"Data"`
	Document
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://app.sumit.co.il"
	}
	return &Client{
		baseURL:    baseURL,
		companyID:  cfg.CompanyID,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateDocument posts a document-creation request and unwraps the
// response envelope. A malformed envelope yields an empty Document and
// an error; callers on the webhook path log it and carry on, since the
// charge is real regardless of invoicing outcome.
func (c *Client) CreateDocument(ctx context.Context, in CreateDocumentRequest) (Document, []byte, error) {
	in.Credentials = &credentials{CompanyID: c.companyID, APIKey: c.apiKey}
	payload, err := json.Marshal(in)
	if err != nil {
		return Document{}, nil, err
	}

	target := c.baseURL + "/accounting/documents/create/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return Document{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, body, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var envelope createDocumentEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Document{}, body, fmt.Errorf("decode create document response: %w", err)
	}
	doc := envelope.Document
	if envelope.Data != nil {
		doc = *envelope.Data
	}

	if c.logger != nil {
		c.logger.Debug("sumit_api_response", "status", resp.StatusCode, "has_url", doc.DocumentDownloadURL != "")
	}
	return doc, body, nil
}
