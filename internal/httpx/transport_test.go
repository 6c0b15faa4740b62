package httpx

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net/http"
	"testing"
	"time"
)

func TestNewTransferClientDefaultsToEnvironmentProxy(t *testing.T) {
	client, err := NewTransferClient(time.Second, "", nil)
	if err != nil {
		t.Fatalf("NewTransferClient: %v", err)
	}
	transport := client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "https://example.invalid", nil)
	if _, err := transport.Proxy(req); err != nil {
		t.Fatalf("Proxy: %v", err)
	}
}

func TestNewTransferClientExplicitProxy(t *testing.T) {
	client, err := NewTransferClient(time.Second, "http://proxy.invalid:8080", nil)
	if err != nil {
		t.Fatalf("NewTransferClient: %v", err)
	}
	transport := client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "https://example.invalid", nil)
	proxyURL, err := transport.Proxy(req)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if proxyURL == nil || proxyURL.Host != "proxy.invalid:8080" {
		t.Fatalf("proxyURL = %v, want proxy.invalid:8080", proxyURL)
	}
}

func TestNewTransferClientRejectsMalformedProxy(t *testing.T) {
	if _, err := NewTransferClient(time.Second, "://not-a-url", nil); err == nil {
		t.Fatalf("expected a parse error for a malformed proxy url")
	}
}

func TestPinVerifierAcceptsMatchingPin(t *testing.T) {
	cert := selfSignedCert(t)
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	pin := hex.EncodeToString(sum[:])

	verify := pinVerifier([]string{pin})
	if err := verify([][]byte{cert.Raw}, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestPinVerifierRejectsMismatchedPin(t *testing.T) {
	cert := selfSignedCert(t)
	verify := pinVerifier([]string{"0000000000000000000000000000000000000000000000000000000000000000"})
	if err := verify([][]byte{cert.Raw}, nil); err == nil {
		t.Fatalf("expected pin mismatch to be rejected")
	}
}

func TestPinVerifierAcceptsAnyMatchInChain(t *testing.T) {
	leaf := selfSignedCert(t)
	other := selfSignedCert(t)
	sum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	pin := hex.EncodeToString(sum[:])

	verify := pinVerifier([]string{pin})
	if err := verify([][]byte{other.Raw, leaf.Raw}, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// selfSignedCert generates a throwaway self-signed certificate purely to
// exercise pinVerifier's SPKI-hashing path without a real TLS handshake.
func selfSignedCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "transport_test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	return cert
}
