package wechat

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

const defaultAPIBaseURL = "https://api.mch.weixin.qq.com"

const authorizationScheme = "WECHATPAY2-SHA256-RSA2048"

// certificatesPath is the one endpoint whose response cannot be verified
// before its own payload is processed; see do().
const certificatesPath = "/v3/certificates"

// Client signs and sends requests to the WeChat Pay v3 API.
type Client struct {
	MchID      string
	AppID      string
	SerialNo   string
	APIBaseURL string
	NotifyURL  string

	privateKey *rsa.PrivateKey
	apiV3Key   []byte

	verifier   *Verifier
	HTTPClient *http.Client
}

// NewClientFromEnv builds a client and its verifier from WECHATPAY_*
// configuration. Missing key material is fatal at construction.
func NewClientFromEnv() (*Client, error) {
	mchID := strings.TrimSpace(env.GetEnv("WECHATPAY_MCHID", ""))
	appID := strings.TrimSpace(env.GetEnv("WECHATPAY_APPID", ""))
	serial := strings.TrimSpace(env.GetEnv("WECHATPAY_SERIAL_NO", ""))
	apiV3Key := env.GetEnv("WECHATPAY_APIV3_KEY", "")
	privPEM := env.GetEnv("WECHATPAY_PRIVATE_KEY", "")
	if mchID == "" || appID == "" || serial == "" || apiV3Key == "" || privPEM == "" {
		return nil, fmt.Errorf("%w: WECHATPAY_MCHID/APPID/SERIAL_NO/APIV3_KEY/PRIVATE_KEY", payment.ErrMissingConfig)
	}
	if len(apiV3Key) != 32 {
		return nil, fmt.Errorf("WECHATPAY_APIV3_KEY must be 32 bytes, got %d", len(apiV3Key))
	}

	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("WECHATPAY_PRIVATE_KEY: %w", err)
	}

	c := &Client{
		MchID:      mchID,
		AppID:      appID,
		SerialNo:   serial,
		APIBaseURL: strings.TrimRight(env.GetEnv("WECHATPAY_API_BASE_URL", defaultAPIBaseURL), "/"),
		NotifyURL:  strings.TrimSpace(env.GetEnv("WECHATPAY_NOTIFY_URL", "")),
		privateKey: priv,
		apiV3Key:   []byte(apiV3Key),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	var pub *rsa.PublicKey
	pubKeyID := strings.TrimSpace(env.GetEnv("WECHATPAY_PUBLIC_KEY_ID", ""))
	if pubPEM := env.GetEnv("WECHATPAY_PUBLIC_KEY", ""); pubPEM != "" {
		pub, err = ParsePublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("WECHATPAY_PUBLIC_KEY: %w", err)
		}
	}
	strict := env.GetEnv("WECHATPAY_STRICT_RESPONSE_VERIFY", "true") != "false"
	c.verifier = NewVerifier(pub, pubKeyID, c, strict)
	return c, nil
}

// Verifier exposes the webhook/response verifier bound to this client.
func (c *Client) Verifier() *Verifier { return c.verifier }

// signMessage signs the canonical request string
// method\npath\ntimestamp\nnonce\nbody\n with the merchant private key.
func (c *Client) signMessage(method, path, timestamp, nonce string, body []byte) (string, error) {
	message := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (c *Client) authorization(method, path string, body []byte) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signMessage(method, path, timestamp, nonce, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		authorizationScheme, c.MchID, nonce, sig, timestamp, c.SerialNo), nil
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}) ([]byte, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, err
		}
	}

	auth, err := c.authorization(method, path, body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wechat api error: status=%d body=%s", resp.StatusCode, string(raw))
	}

	// The certificate download bootstraps the very keys responses are
	// verified with, so it is the one call allowed to skip verification.
	if path != certificatesPath {
		err := c.verifier.VerifyResponse(ctx,
			resp.Header.Get("Wechatpay-Timestamp"),
			resp.Header.Get("Wechatpay-Nonce"),
			resp.Header.Get("Wechatpay-Serial"),
			resp.Header.Get("Wechatpay-Signature"),
			raw,
		)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

type nativeTransactionRequest struct {
	AppID       string `json:"appid"`
	MchID       string `json:"mchid"`
	Description string `json:"description"`
	OutTradeNo  string `json:"out_trade_no"`
	NotifyURL   string `json:"notify_url"`
	Amount      struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

// CreateNativeTransaction opens a Native (QR code) prepay transaction and
// returns the code_url the payer scans. total is in minor units (cents).
func (c *Client) CreateNativeTransaction(ctx context.Context, outTradeNo, description string, total int64, currency string) (string, error) {
	req := nativeTransactionRequest{
		AppID:       c.AppID,
		MchID:       c.MchID,
		Description: description,
		OutTradeNo:  outTradeNo,
		NotifyURL:   c.NotifyURL,
	}
	req.Amount.Total = total
	req.Amount.Currency = currency

	raw, err := c.do(ctx, http.MethodPost, "/v3/pay/transactions/native", req)
	if err != nil {
		return "", err
	}
	var out struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if out.CodeURL == "" {
		return "", errors.New("wechat native response missing code_url")
	}
	return out.CodeURL, nil
}

// transactionResource is the decrypted/queried transaction shape.
type transactionResource struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	SuccessTime   string `json:"success_time"`
}

// QueryTransaction polls a transaction by the local order id.
func (c *Client) QueryTransaction(ctx context.Context, outTradeNo string) (*transactionResource, error) {
	path := "/v3/pay/transactions/out-trade-no/" + outTradeNo + "?mchid=" + c.MchID
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out transactionResource
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseTransaction cancels an unpaid transaction.
func (c *Client) CloseTransaction(ctx context.Context, outTradeNo string) error {
	path := "/v3/pay/transactions/out-trade-no/" + outTradeNo + "/close"
	_, err := c.do(ctx, http.MethodPost, path, struct {
		MchID string `json:"mchid"`
	}{MchID: c.MchID})
	return err
}

type certificatesResponse struct {
	Data []struct {
		SerialNo           string `json:"serial_no"`
		EncryptCertificate struct {
			Algorithm      string `json:"algorithm"`
			Nonce          string `json:"nonce"`
			AssociatedData string `json:"associated_data"`
			Ciphertext     string `json:"ciphertext"`
		} `json:"encrypt_certificate"`
	} `json:"data"`
}

// FetchCertificates downloads and decrypts the current platform certificate
// set. The response itself is RSA-signed and AEAD-encrypted; decryption uses
// the shared APIv3 key.
func (c *Client) FetchCertificates(ctx context.Context) ([]PlatformCertificate, error) {
	raw, err := c.do(ctx, http.MethodGet, certificatesPath, nil)
	if err != nil {
		return nil, err
	}
	var resp certificatesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	certs := make([]PlatformCertificate, 0, len(resp.Data))
	for _, entry := range resp.Data {
		der, err := DecryptCiphertext(c.apiV3Key,
			entry.EncryptCertificate.AssociatedData,
			entry.EncryptCertificate.Nonce,
			entry.EncryptCertificate.Ciphertext,
		)
		if err != nil {
			return nil, fmt.Errorf("decrypt certificate %s: %w", entry.SerialNo, err)
		}
		block, _ := pem.Decode(der)
		if block != nil {
			der = block.Bytes
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", entry.SerialNo, err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate %s is not RSA", entry.SerialNo)
		}
		certs = append(certs, PlatformCertificate{Serial: entry.SerialNo, Key: pub})
	}
	if len(certs) == 0 {
		return nil, errors.New("platform returned an empty certificate set")
	}
	return certs, nil
}

// ParsePrivateKey reads a PKCS#8 or PKCS#1 RSA private key from PEM.
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
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

// ParsePublicKey reads a PKIX RSA public key from PEM.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
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
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
