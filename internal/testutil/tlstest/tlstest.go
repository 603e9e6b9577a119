// Package tlstest issues throwaway ECDSA certificates for transport tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

// Authority is a self-signed CA written to disk under a test directory.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caPath string
}

func NewAuthority(t testing.TB, dir, commonName string) *Authority {
	t.Helper()
	key := mustKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"lattice"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(12 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("tlstest: create ca: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	path := filepath.Join(dir, fileBase(commonName)+".ca.pem")
	mustWrite(t, path, "CERTIFICATE", der, 0o644)
	return &Authority{cert: cert, key: key, caPath: path}
}

func (a *Authority) CAFile() string { return a.caPath }

// IssueServerCert returns cert and key paths for a server leaf.
func (a *Authority) IssueServerCert(t testing.TB, dir, commonName string, hosts ...string) (string, string) {
	t.Helper()
	var dns []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dns = append(dns, h)
	}
	return a.issue(t, dir, commonName, x509.ExtKeyUsageServerAuth, dns, ips)
}

// IssueClientCert returns cert and key paths for a client leaf.
func (a *Authority) IssueClientCert(t testing.TB, dir, commonName string) (string, string) {
	t.Helper()
	return a.issue(t, dir, commonName, x509.ExtKeyUsageClientAuth, nil, nil)
}

func (a *Authority) issue(t testing.TB, dir, cn string, usage x509.ExtKeyUsage, dns []string, ips []net.IP) (string, string) {
	t.Helper()
	key := mustKey(t)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dns,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", cn, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key: %v", err)
	}
	base := filepath.Join(dir, fileBase(cn))
	mustWrite(t, base+".pem", "CERTIFICATE", der, 0o644)
	mustWrite(t, base+".key", "EC PRIVATE KEY", keyDER, 0o600)
	return base + ".pem", base + ".key"
}

func mustKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}

func mustWrite(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}

func fileBase(cn string) string {
	cn = strings.TrimSpace(cn)
	if cn == "" {
		return "leaf"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(cn)
}
