package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca.key"
	caValidity = 5 * 365 * 24 * time.Hour
)

// Authority is the certificate authority used to mint leaf certificates for
// intercepted TLS connections.
type Authority struct {
	Cert     tls.Certificate
	CertPath string
	KeyPath  string
	CertPEM  []byte
}

// Fingerprint returns the hex SHA-256 of the CA certificate.
func (a *Authority) Fingerprint() string {
	sum := sha256.Sum256(a.Cert.Certificate[0])
	return hex.EncodeToString(sum[:])
}

// LoadOrCreateCA loads ca.pem/ca.key from dir. When both files are missing a
// new RSA CA with the given key size is generated and written there, so
// clients only need to trust it once. Files that exist but cannot be loaded
// are an error and are left untouched.
func LoadOrCreateCA(dir string, bits int, logger *slog.Logger) (*Authority, error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	a, err := loadCA(certPath, keyPath)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || exists(certPath) || exists(keyPath) {
		return nil, fmt.Errorf("load CA from %s (remove ca.pem and ca.key to generate a new one): %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create CA dir %s: %w", dir, err)
	}

	certPEM, keyPEM, err := generateCA(bits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	logger.Info("generated new CA", "cert", certPath)

	return loadCA(certPath, keyPath)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadCA(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load CA keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !leaf.IsCA {
		return nil, fmt.Errorf("certificate in %s is not a CA", certPath)
	}
	c.Leaf = leaf

	return &Authority{
		Cert:     c,
		CertPath: certPath,
		KeyPath:  keyPath,
		CertPEM:  certPEM,
	}, nil
}

func generateCA(bits int) (certPEM, keyPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "OIDC Redirect Proxy CA",
			Organization: []string{"oidc-redirect-proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM, nil
}
