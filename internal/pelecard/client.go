package pelecard

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

	"golang.org/x/time/rate"
)

// Action types understood by the hosted payment page.
const (
	ActionCharge   = "J4"
	ActionTokenize = "J2"
)

type Config struct {
	GatewayURL string
	Terminal   string
	User       string
	Password   string
	ShopNo     string
}

// Client talks to the Pelecard payment gateway: hosted-page init and
// authoritative transaction lookup.
type Client struct {
	gatewayURL string
	terminal   string
	user       string
	password   string
	shopNo     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pelecard api status %d: %s", e.StatusCode, e.Body)
}

// InitRequest is the hosted-page init payload. Credentials and shop
// number are filled in by the client.
type InitRequest struct {
	Terminal                   string `json:"terminal"`
	User                       string `json:"user"`
	Password                   string `json:"password"`
	ActionType                 string `json:"ActionType"`
	Currency                   string `json:"Currency"`
	FreeTotal                  string `json:"FreeTotal,omitempty"`
	CreateToken                string `json:"CreateToken,omitempty"`
	FeedbackDataTransferMethod string `json:"FeedbackDataTransferMethod,omitempty"`
	ShopNo                     string `json:"ShopNo"`
	Total                      int64  `json:"Total"`
	GoodURL                    string `json:"GoodURL"`
	ErrorURL                   string `json:"ErrorURL"`
	ServerSideGoodFeedbackURL  string `json:"ServerSideGoodFeedbackURL,omitempty"`
	ServerSideErrorFeedbackURL string `json:"ServerSideErrorFeedbackURL,omitempty"`
	ParamX                     string `json:"ParamX"`
	MaxPayments                string `json:"MaxPayments,omitempty"`
	MinPayments                string `json:"MinPayments,omitempty"`
}

type initResponse struct {
	URL   string `json:"URL"`
	Error *struct {
		ErrCode int    `json:"ErrCode"`
		ErrMsg  string `json:"ErrMsg"`
	} `json:"Error"`
}

type lookupRequest struct {
	Terminal      string `json:"terminal"`
	User          string `json:"user"`
	Password      string `json:"password"`
	TransactionID string `json:"TransactionId"`
}

type lookupResponseEnvelope struct {
	StatusCode   Field      `json:"StatusCode"`
	ErrorMessage Field      `json:"ErrorMessage"`
	ResultData   ResultData `json:"ResultData"`
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	gatewayURL := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if gatewayURL == "" {
		gatewayURL = "https://gateway21.pelecard.biz"
	}
	return &Client{
		gatewayURL: gatewayURL,
		terminal:   strings.TrimSpace(cfg.Terminal),
		user:       strings.TrimSpace(cfg.User),
		password:   cfg.Password,
		shopNo:     strings.TrimSpace(cfg.ShopNo),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     logger,
	}
}

// Init registers a hosted-page session and returns the page URL the
// browser should be redirected to. The raw gateway body is returned for
// diagnostics when no URL is present.
func (c *Client) Init(ctx context.Context, in InitRequest) (string, []byte, error) {
	in.Terminal = c.terminal
	in.User = c.user
	in.Password = c.password
	if in.ShopNo == "" {
		in.ShopNo = c.shopNo
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return "", nil, err
	}
	body, err := c.do(ctx, "/PaymentGW/init", payload)
	if err != nil {
		return "", body, err
	}
	var resp initResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", body, fmt.Errorf("decode init response: %w", err)
	}
	if strings.TrimSpace(resp.URL) == "" {
		if resp.Error != nil {
			return "", body, fmt.Errorf("pelecard init failed: %d %s", resp.Error.ErrCode, resp.Error.ErrMsg)
		}
		return "", body, fmt.Errorf("pelecard init response missing URL")
	}
	return resp.URL, body, nil
}

// GetTransaction fetches the authoritative transaction record by
// gateway transaction id. Thin webhook envelopes are replaced with this
// record before normalization.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (ResultData, []byte, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return ResultData{}, nil, fmt.Errorf("transaction id is required")
	}
	payload, err := json.Marshal(lookupRequest{
		Terminal:      c.terminal,
		User:          c.user,
		Password:      c.password,
		TransactionID: transactionID,
	})
	if err != nil {
		return ResultData{}, nil, err
	}
	body, err := c.do(ctx, "/PaymentGW/GetTransaction", payload)
	if err != nil {
		return ResultData{}, body, err
	}
	var resp lookupResponseEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return ResultData{}, body, fmt.Errorf("decode transaction lookup: %w", err)
	}
	if code := strings.TrimSpace(resp.StatusCode.String()); code != "" && code != "000" && code != "0" {
		return ResultData{}, body, fmt.Errorf("pelecard lookup status %s: %s", code, resp.ErrorMessage)
	}
	if resp.ResultData == (ResultData{}) {
		return ResultData{}, body, fmt.Errorf("pelecard lookup response missing ResultData")
	}
	return resp.ResultData, body, nil
}

func (c *Client) do(ctx context.Context, pathPart string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.gatewayURL + pathPart
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if c.logger != nil {
		c.logger.Debug("pelecard_api_response", "path", pathPart, "status", resp.StatusCode)
	}
	return body, nil
}
