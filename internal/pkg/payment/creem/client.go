package creem

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gndys/PayHub/internal/pkg/env"
	"github.com/Gndys/PayHub/internal/pkg/payment"
)

const defaultAPIBaseURL = "https://api.creem.io"

// SignatureHeader carries the hex HMAC-SHA256 digest of the raw body.
const SignatureHeader = "creem-signature"

// Client talks to the Creem REST API and verifies its webhooks.
type Client struct {
	APIKey        string
	WebhookSecret string
	APIBaseURL    string
	SuccessURL    string

	HTTPClient *http.Client
}

// NewClientFromEnv builds a client from CREEM_* environment configuration.
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(env.GetEnv("CREEM_API_KEY", ""))
	secret := strings.TrimSpace(env.GetEnv("CREEM_WEBHOOK_SECRET", ""))
	if apiKey == "" || secret == "" {
		return nil, fmt.Errorf("%w: CREEM_API_KEY/CREEM_WEBHOOK_SECRET", payment.ErrMissingConfig)
	}
	return &Client{
		APIKey:        apiKey,
		WebhookSecret: secret,
		APIBaseURL:    strings.TrimRight(env.GetEnv("CREEM_API_BASE_URL", defaultAPIBaseURL), "/"),
		SuccessURL:    strings.TrimSpace(env.GetEnv("CREEM_SUCCESS_URL", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 digest over the exact
// raw body. Constant-time compare; any mismatch is a hard failure.
func (c *Client) VerifyWebhookSignature(payload []byte, signatureHeader string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || c.WebhookSecret == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

type checkoutRequest struct {
	ProductID  string            `json:"product_id"`
	RequestID  string            `json:"request_id"`
	Units      int               `json:"units"`
	CustomerID string            `json:"customer_id,omitempty"`
	SuccessURL string            `json:"success_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	Status      string `json:"status"`
}

// CreateCheckout opens a hosted checkout session for a product. RequestID is
// the local order id and comes back on the completion webhook.
func (c *Client) CreateCheckout(ctx context.Context, req checkoutRequest) (*checkoutResponse, error) {
	if req.Units == 0 {
		req.Units = 1
	}
	var out checkoutResponse
	if err := c.do(ctx, http.MethodPost, "/v1/checkouts", req, &out); err != nil {
		return nil, err
	}
	if out.CheckoutURL == "" {
		return nil, errors.New("creem checkout response missing checkout_url")
	}
	return &out, nil
}

type customerResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Mode    string `json:"mode"`
	Deleted bool   `json:"deleted"`
}

// FetchCustomer looks a customer up by id. Satisfies payment.CustomerAPI.
func (c *Client) FetchCustomer(ctx context.Context, customerID string) (*payment.Customer, error) {
	return c.fetchCustomer(ctx, url.Values{"customer_id": {customerID}})
}

// FetchCustomerByEmail looks a customer up by email address.
func (c *Client) FetchCustomerByEmail(ctx context.Context, email string) (*payment.Customer, error) {
	return c.fetchCustomer(ctx, url.Values{"email": {email}})
}

func (c *Client) fetchCustomer(ctx context.Context, query url.Values) (*payment.Customer, error) {
	var out customerResponse
	err := c.do(ctx, http.MethodGet, "/v1/customers?"+query.Encode(), nil, &out)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, payment.ErrCustomerNotFound
		}
		return nil, err
	}
	if out.ID == "" {
		return nil, payment.ErrCustomerNotFound
	}
	return &payment.Customer{ID: out.ID, Email: out.Email, Deleted: out.Deleted}, nil
}

type portalRequest struct {
	CustomerID string `json:"customer_id"`
	ReturnURL  string `json:"return_url,omitempty"`
}

type portalResponse struct {
	CustomerPortalLink string `json:"customer_portal_link"`
}

// CreateBillingPortal returns a processor-hosted self-service portal URL.
func (c *Client) CreateBillingPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", errors.New("customer id is required")
	}
	var out portalResponse
	err := c.do(ctx, http.MethodPost, "/v1/customers/billing-portal", portalRequest{CustomerID: customerID, ReturnURL: returnURL}, &out)
	if err != nil {
		return "", err
	}
	if out.CustomerPortalLink == "" {
		return "", errors.New("creem portal response missing customer_portal_link")
	}
	return out.CustomerPortalLink, nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("creem api error: status=%d body=%s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
