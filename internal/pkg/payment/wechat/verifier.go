package wechat

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/Gndys/PayHub/internal/pkg/payment"
)

// publicKeyIDPrefix marks serials issued for the long-lived merchant public
// key, which never rotates and needs no certificate download.
const publicKeyIDPrefix = "PUB_KEY_ID_"

// PlatformCertificate is one entry of the platform certificate set.
type PlatformCertificate struct {
	Serial string
	Key    *rsa.PublicKey
}

// CertificateFetcher downloads the current platform certificate set. The
// client implements it; the indirection keeps the verifier testable.
type CertificateFetcher interface {
	FetchCertificates(ctx context.Context) ([]PlatformCertificate, error)
}

// Verifier proves that responses and webhook notifications originate from the
// platform. Two paths: the long-lived public key (preferred, no network) and
// the rotating platform certificate set, fetched lazily on a serial miss and
// cached for the process lifetime.
type Verifier struct {
	publicKey   *rsa.PublicKey
	publicKeyID string

	fetcher CertificateFetcher

	mu    sync.Mutex
	certs map[string]*rsa.PublicKey

	// strictResponse controls whether a failed *response* verification
	// aborts the call. Webhook verification is always strict.
	strictResponse bool
}

// NewVerifier creates a verifier. publicKey/publicKeyID may be nil/empty when
// the merchant only uses platform certificates.
func NewVerifier(publicKey *rsa.PublicKey, publicKeyID string, fetcher CertificateFetcher, strictResponse bool) *Verifier {
	return &Verifier{
		publicKey:      publicKey,
		publicKeyID:    publicKeyID,
		fetcher:        fetcher,
		certs:          make(map[string]*rsa.PublicKey),
		strictResponse: strictResponse,
	}
}

// webhookMessage is the canonical string signed for inbound notifications
// and outbound response verification.
func webhookMessage(timestamp, nonce string, body []byte) string {
	return timestamp + "\n" + nonce + "\n" + string(body) + "\n"
}

// VerifyWebhook checks an inbound notification signature. Any failure is
// fatal for the delivery; the platform redelivers later.
func (v *Verifier) VerifyWebhook(ctx context.Context, timestamp, nonce, serial, signatureB64 string, body []byte) error {
	return v.verify(ctx, timestamp, nonce, serial, signatureB64, body)
}

// VerifyResponse checks an API response signature. In non-strict mode a
// failure is logged and tolerated; the platform is known to emit unsigned
// probing traffic on some endpoints. Security-sensitive tradeoff, kept
// configurable.
func (v *Verifier) VerifyResponse(ctx context.Context, timestamp, nonce, serial, signatureB64 string, body []byte) error {
	err := v.verify(ctx, timestamp, nonce, serial, signatureB64, body)
	if err != nil && !v.strictResponse {
		log.Printf("[wechat] tolerating response verification failure (strict mode off): %v", err)
		return nil
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, timestamp, nonce, serial, signatureB64 string, body []byte) error {
	serial = strings.TrimSpace(serial)
	message := []byte(webhookMessage(timestamp, nonce, body))

	// Preferred path: the fixed public key, no rotation and no extra round
	// trip. Fall back to the certificate set only on absence or mismatch.
	if v.publicKey != nil && (serial == v.publicKeyID || strings.HasPrefix(serial, publicKeyIDPrefix)) {
		if err := verifySHA256WithRSA(v.publicKey, message, signatureB64); err == nil {
			return nil
		} else if serial == v.publicKeyID {
			return fmt.Errorf("%w: public key %s signature mismatch", payment.ErrVerification, serial)
		}
	}

	key, err := v.platformKey(ctx, serial)
	if err != nil {
		return err
	}
	if err := verifySHA256WithRSA(key, message, signatureB64); err != nil {
		return fmt.Errorf("%w: certificate %s: %v", payment.ErrVerification, serial, err)
	}
	return nil
}

// platformKey resolves a certificate serial, fetching the current set once
// on a cache miss. Rotation is rare, so refresh happens on miss, not timer.
func (v *Verifier) platformKey(ctx context.Context, serial string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	key, ok := v.certs[serial]
	v.mu.Unlock()
	if ok {
		return key, nil
	}

	if v.fetcher == nil {
		return nil, fmt.Errorf("%w: unknown certificate serial %q and no fetcher configured", payment.ErrVerification, serial)
	}
	certs, err := v.fetcher.FetchCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch platform certificates: %w", err)
	}

	v.mu.Lock()
	for _, c := range certs {
		v.certs[c.Serial] = c.Key
	}
	key, ok = v.certs[serial]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: serial %q not in current certificate set", payment.ErrVerification, serial)
	}
	return key, nil
}

func verifySHA256WithRSA(key *rsa.PublicKey, message []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig)
}
