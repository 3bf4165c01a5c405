package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cryptocare/telehealth-booking/pkg/logging"
)

// ErrPaymentProvider marks any failure talking to the payment provider.
var ErrPaymentProvider = errors.New("payment provider request failed")

// Client calls the Lightning invoice provider (Swiss Bitcoin Pay shaped API).
// It is constructed once and injected into the components that need it.
type Client struct {
	baseURL    string
	apiKey     string
	webhookURL string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(baseURL, apiKey, webhookURL string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Invoice is the provider's view of a payment request.
type Invoice struct {
	ID             string     `json:"id"`
	PaymentRequest string     `json:"payment_request"`
	QRCode         string     `json:"qr_code"`
	AmountBTC      string     `json:"amount_btc"`
	Status         string     `json:"status"`
	PaidAt         *time.Time `json:"paid_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

type createInvoiceRequest struct {
	AmountBTC   string            `json:"amount_btc"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	Expiry      int               `json:"expiry"` // seconds
}

// FormatBTC renders an amount in satoshis as a fixed-point BTC string.
func FormatBTC(sats int64) string {
	return fmt.Sprintf("%d.%08d", sats/1e8, sats%1e8)
}

// CreateInvoice opens a Lightning invoice for the given amount. The expiry is
// enforced provider-side; the webhook URL receives status callbacks.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, description string, metadata map[string]string, expiry time.Duration) (*Invoice, error) {
	payload := createInvoiceRequest{
		AmountBTC:   FormatBTC(amountSats),
		Description: description,
		Metadata:    metadata,
		WebhookURL:  c.webhookURL,
		Expiry:      int(expiry.Seconds()),
	}

	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/invoices", payload, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoiceStatus fetches the current provider-side state of an invoice.
func (c *Client) GetInvoiceStatus(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+invoiceID, nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Refund asks the provider to return a settled invoice to the payer.
func (c *Client) Refund(ctx context.Context, invoiceID string) error {
	return c.do(ctx, http.MethodPost, "/invoices/"+invoiceID+"/refund", struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("payment provider call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return fmt.Errorf("%w: status %d", ErrPaymentProvider, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrPaymentProvider, err)
		}
	}

	return nil
}
