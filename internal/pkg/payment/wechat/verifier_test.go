package wechat

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signWebhook(t *testing.T, key *rsa.PrivateKey, timestamp, nonce string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256([]byte(webhookMessage(timestamp, nonce, body)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

type staticFetcher struct {
	certs []PlatformCertificate
	calls int
	err   error
}

func (f *staticFetcher) FetchCertificates(context.Context) ([]PlatformCertificate, error) {
	f.calls++
	return f.certs, f.err
}

func TestVerifyWebhookPublicKeyPath(t *testing.T) {
	key := genKey(t)
	v := NewVerifier(&key.PublicKey, "PUB_KEY_ID_1", nil, true)

	body := []byte(`{"id":"evt"}`)
	sig := signWebhook(t, key, "1700000000", "nonce1", body)
	if err := v.VerifyWebhook(context.Background(), "1700000000", "nonce1", "PUB_KEY_ID_1", sig, body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Flip one byte of the signature.
	raw, _ := base64.StdEncoding.DecodeString(sig)
	raw[0] ^= 0x01
	bad := base64.StdEncoding.EncodeToString(raw)
	if err := v.VerifyWebhook(context.Background(), "1700000000", "nonce1", "PUB_KEY_ID_1", bad, body); err == nil {
		t.Fatalf("expected flipped signature to fail")
	}

	// Tamper with the body.
	if err := v.VerifyWebhook(context.Background(), "1700000000", "nonce1", "PUB_KEY_ID_1", sig, []byte(`{"id":"other"}`)); err == nil {
		t.Fatalf("expected tampered body to fail")
	}
}

func TestVerifyWebhookCertificatePathFetchesLazily(t *testing.T) {
	key := genKey(t)
	fetcher := &staticFetcher{certs: []PlatformCertificate{{Serial: "SER123", Key: &key.PublicKey}}}
	v := NewVerifier(nil, "", fetcher, true)

	body := []byte(`{"id":"evt"}`)
	sig := signWebhook(t, key, "1700000000", "n", body)

	if err := v.VerifyWebhook(context.Background(), "1700000000", "n", "SER123", sig, body); err != nil {
		t.Fatalf("verify via fetched certificate: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", fetcher.calls)
	}

	// Cached now: a second verification must not refetch.
	if err := v.VerifyWebhook(context.Background(), "1700000000", "n", "SER123", sig, body); err != nil {
		t.Fatalf("verify from cache: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("cache miss refetched: %d calls", fetcher.calls)
	}
}

func TestVerifyWebhookUnknownSerialFails(t *testing.T) {
	key := genKey(t)
	fetcher := &staticFetcher{certs: []PlatformCertificate{{Serial: "SER123", Key: &key.PublicKey}}}
	v := NewVerifier(nil, "", fetcher, true)

	body := []byte(`{}`)
	sig := signWebhook(t, key, "1", "n", body)
	if err := v.VerifyWebhook(context.Background(), "1", "n", "SER999", sig, body); err == nil {
		t.Fatalf("expected unknown serial to fail after one refetch")
	}
}

func TestVerifyWebhookPrefersPublicKeyOverFetch(t *testing.T) {
	key := genKey(t)
	fetcher := &staticFetcher{err: errors.New("network down")}
	v := NewVerifier(&key.PublicKey, "PUB_KEY_ID_1", fetcher, true)

	body := []byte(`{}`)
	sig := signWebhook(t, key, "1", "n", body)
	if err := v.VerifyWebhook(context.Background(), "1", "n", "PUB_KEY_ID_1", sig, body); err != nil {
		t.Fatalf("public key path must not touch the network: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("certificate fetch happened despite public key match")
	}
}

func TestVerifyResponseNonStrictTolerates(t *testing.T) {
	key := genKey(t)
	strict := NewVerifier(&key.PublicKey, "PUB_KEY_ID_1", nil, true)
	lax := NewVerifier(&key.PublicKey, "PUB_KEY_ID_1", nil, false)

	body := []byte(`{}`)
	if err := strict.VerifyResponse(context.Background(), "1", "n", "PUB_KEY_ID_1", "AAAA", body); err == nil {
		t.Fatalf("strict mode must reject a bad response signature")
	}
	if err := lax.VerifyResponse(context.Background(), "1", "n", "PUB_KEY_ID_1", "AAAA", body); err != nil {
		t.Fatalf("non-strict mode must tolerate response probing: %v", err)
	}
	// Webhooks stay strict regardless.
	if err := lax.VerifyWebhook(context.Background(), "1", "n", "PUB_KEY_ID_1", "AAAA", body); err == nil {
		t.Fatalf("webhook verification must never be tolerant")
	}
}
