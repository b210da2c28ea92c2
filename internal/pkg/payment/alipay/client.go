package alipay

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gndys/PayHub/internal/pkg/env"
	"github.com/Gndys/PayHub/internal/pkg/payment"
)

const defaultAPIBaseURL = "https://openapi.alipay.com"

const authorizationScheme = "ALIPAY-SHA256withRSA"

// Notification headers carrying the platform signature.
const (
	HeaderSignature = "alipay-signature"
	HeaderTimestamp = "alipay-timestamp"
	HeaderNonce     = "alipay-nonce"
	HeaderSerial    = "alipay-sn"
)

// Client signs and sends requests to the Alipay OpenAPI v3 and verifies
// platform notifications. Unlike WeChat Pay there is no certificate
// download: the platform public key is configured statically and matched
// against the alipay-sn header.
type Client struct {
	AppID      string
	APIBaseURL string
	NotifyURL  string
	ReturnURL  string

	privateKey *rsa.PrivateKey

	platformKey    *rsa.PublicKey
	platformSerial string

	HTTPClient *http.Client
}

// NewClientFromEnv builds a client from ALIPAY_* configuration. The app
// private key and the platform public key are both required.
func NewClientFromEnv() (*Client, error) {
	appID := strings.TrimSpace(env.GetEnv("ALIPAY_APP_ID", ""))
	privPEM := env.GetEnv("ALIPAY_PRIVATE_KEY", "")
	pubPEM := env.GetEnv("ALIPAY_PUBLIC_KEY", "")
	if appID == "" || privPEM == "" || pubPEM == "" {
		return nil, fmt.Errorf("%w: ALIPAY_APP_ID/PRIVATE_KEY/PUBLIC_KEY", payment.ErrMissingConfig)
	}

	priv, err := parsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("ALIPAY_PRIVATE_KEY: %w", err)
	}
	pub, err := parsePublicKey(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("ALIPAY_PUBLIC_KEY: %w", err)
	}

	return &Client{
		AppID:          appID,
		APIBaseURL:     strings.TrimRight(env.GetEnv("ALIPAY_API_BASE_URL", defaultAPIBaseURL), "/"),
		NotifyURL:      strings.TrimSpace(env.GetEnv("ALIPAY_NOTIFY_URL", "")),
		ReturnURL:      strings.TrimSpace(env.GetEnv("ALIPAY_RETURN_URL", "")),
		privateKey:     priv,
		platformKey:    pub,
		platformSerial: strings.TrimSpace(env.GetEnv("ALIPAY_PUBLIC_KEY_SN", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// signMessage signs the canonical request string
// method\npath\ntimestamp\nnonce\nbody\n with the app private key.
func (c *Client) signMessage(method, path, timestamp, nonce string, body []byte) (string, error) {
	message := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// notificationMessage is the inbound canonical string the platform signs.
func notificationMessage(timestamp, nonce string, body []byte) string {
	return timestamp + "\n" + nonce + "\n" + string(body) + "\n"
}

// VerifyNotification checks the platform signature on a webhook delivery.
// When a key serial is configured, the alipay-sn header must match it; an
// unknown serial always fails because there is no fallback key source.
func (c *Client) VerifyNotification(timestamp, nonce, serial, signature string, body []byte) error {
	if timestamp == "" || nonce == "" || signature == "" {
		return errors.New("notification missing signature headers")
	}
	if c.platformSerial != "" && serial != c.platformSerial {
		return fmt.Errorf("unknown platform key serial %q", serial)
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	digest := sha256.Sum256([]byte(notificationMessage(timestamp, nonce, body)))
	if err := rsa.VerifyPKCS1v15(c.platformKey, crypto.SHA256, digest[:], raw); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func (c *Client) authorization(method, path string, body []byte) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := c.signMessage(method, path, timestamp, nonce, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s app_id=%s,nonce=%s,timestamp=%s,sign=%s`,
		authorizationScheme, c.AppID, nonce, timestamp, sig), nil
}

type apiError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("alipay api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	auth, err := c.authorization(method, path, body)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

type pagePayRequest struct {
	OutTradeNo  string `json:"out_trade_no"`
	TotalAmount string `json:"total_amount"`
	Subject     string `json:"subject"`
	ProductCode string `json:"product_code"`
	NotifyURL   string `json:"notify_url,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
}

// CreatePagePayment opens a desktop page payment and returns the redirect
// URL for the payer. totalAmount is in major units, e.g. "9.90".
func (c *Client) CreatePagePayment(ctx context.Context, outTradeNo, subject, totalAmount string) (string, error) {
	req := pagePayRequest{
		OutTradeNo:  outTradeNo,
		TotalAmount: totalAmount,
		Subject:     subject,
		ProductCode: "FAST_INSTANT_TRADE_PAY",
		NotifyURL:   c.NotifyURL,
		ReturnURL:   c.ReturnURL,
	}
	var out struct {
		PageRedirectionData string `json:"page_redirection_data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v3/alipay/trade/page/pay", req, &out); err != nil {
		return "", err
	}
	if out.PageRedirectionData == "" {
		return "", errors.New("alipay page pay response missing page_redirection_data")
	}
	return out.PageRedirectionData, nil
}

// tradeResult is the queried trade shape. TradeStatus is one of
// WAIT_BUYER_PAY, TRADE_SUCCESS, TRADE_FINISHED or TRADE_CLOSED.
type tradeResult struct {
	OutTradeNo  string `json:"out_trade_no"`
	TradeNo     string `json:"trade_no"`
	TradeStatus string `json:"trade_status"`
	TotalAmount string `json:"total_amount"`
}

// QueryTrade polls a trade by the local order id.
func (c *Client) QueryTrade(ctx context.Context, outTradeNo string) (*tradeResult, error) {
	var out tradeResult
	err := c.do(ctx, http.MethodPost, "/v3/alipay/trade/query", struct {
		OutTradeNo string `json:"out_trade_no"`
	}{OutTradeNo: outTradeNo}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseTrade cancels an unpaid trade.
func (c *Client) CloseTrade(ctx context.Context, outTradeNo string) error {
	return c.do(ctx, http.MethodPost, "/v3/alipay/trade/close", struct {
		OutTradeNo string `json:"out_trade_no"`
	}{OutTradeNo: outTradeNo}, nil)
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
