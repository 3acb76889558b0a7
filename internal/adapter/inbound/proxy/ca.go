package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CAConfig holds the certificate authority configuration.
type CAConfig struct {
	// CertFile is the path of the CA certificate PEM.
	CertFile string
	// KeyFile is the path of the CA private key PEM (written 0600).
	KeyFile string
	// Organization appears in the CA subject.
	Organization string
	// ValidityYears is the CA certificate lifetime.
	ValidityYears int
}

// CAManager owns the proxy's certificate authority. It loads an existing
// CA keypair from disk or generates one on first run, and mints per-host
// leaf certificates for TLS interception. Leaf generation is safe for
// concurrent use; the CA material is immutable after construction.
type CAManager struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	caPEM  []byte
	logger *slog.Logger
}

// caKeyBits is the RSA key size of the CA. Leaf keys are ECDSA P-256,
// which keeps per-host minting fast; the CA stays RSA for the widest
// client trust-store compatibility.
const caKeyBits = 2048

// leafValidity is the lifetime of minted host certificates. Short-lived
// leaves are regenerated through the cert cache as needed.
const leafValidity = 7 * 24 * time.Hour

// NewCAManager loads the CA keypair from cfg's paths, or generates and
// persists a new one when neither file exists. Having exactly one of the
// two files present is an error: regenerating over a half-present CA
// would silently invalidate certificates clients already trust.
func NewCAManager(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	certExists := fileExists(cfg.CertFile)
	keyExists := fileExists(cfg.KeyFile)

	switch {
	case certExists && keyExists:
		return loadCA(cfg, logger)
	case certExists != keyExists:
		return nil, fmt.Errorf("inconsistent CA state: cert file exists=%v, key file exists=%v (remove both to regenerate)",
			certExists, keyExists)
	default:
		return generateCA(cfg, logger)
	}
}

// loadCA reads an existing CA keypair from disk.
func loadCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA keypair: %w", err)
	}

	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate at %s is not a CA", cfg.CertFile)
	}

	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key type %T does not implement crypto.Signer", pair.PrivateKey)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})

	logger.Debug("loaded existing CA",
		"cert_file", cfg.CertFile,
		"subject", caCert.Subject.String(),
		"expires", caCert.NotAfter,
	)

	return &CAManager{
		caCert: caCert,
		caKey:  signer,
		caPEM:  caPEM,
		logger: logger,
	}, nil
}

// generateCA creates a fresh CA keypair and writes it to cfg's paths.
func generateCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	validity := cfg.ValidityYears
	if validity <= 0 {
		validity = 10
	}

	ski := sha256.Sum256(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.Organization + " Root CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(validity, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski[:20],
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(filepath.Dir(cfg.CertFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := os.WriteFile(cfg.CertFile, caPEM, 0644); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := os.WriteFile(cfg.KeyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}

	logger.Info("generated new CA",
		"cert_file", cfg.CertFile,
		"organization", cfg.Organization,
		"valid_years", validity,
	)

	return &CAManager{
		caCert: caCert,
		caKey:  key,
		caPEM:  caPEM,
		logger: logger,
	}, nil
}

// GenerateCert mints a leaf certificate for host, signed by the CA.
// The returned certificate carries the full chain (leaf first, then CA)
// and a parsed Leaf. IP literals go into IPAddresses, names into DNSNames.
func (cm *CAManager) GenerateCert(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: cm.caCert.Subject.Organization,
			CommonName:   host,
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &leafKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate for %s: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for export to clients
// that need to trust the proxy.
func (cm *CAManager) CACertPEM() []byte {
	out := make([]byte, len(cm.caPEM))
	copy(out, cm.caPEM)
	return out
}

// CAFingerprint returns the SHA-256 fingerprint of the CA certificate,
// "sha256:"-prefixed, as recorded in the runtime state file.
func (cm *CAManager) CAFingerprint() string {
	sum := sha256.Sum256(cm.caCert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// randomSerial returns a random 128-bit certificate serial number.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
