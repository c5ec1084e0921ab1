package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/jveski/fleetpull/internal/atomicfile"
)

// GetCertFingerprint returns the hex sha256 of a DER encoded certificate.
func GetCertFingerprint(cert []byte) string {
	certHash := sha256.Sum256(cert)
	return hex.EncodeToString(certHash[:])
}

// LoadOrCreateCertificate loads the API's self-signed certificate from dir/tls, generating
// a new one when the pair is missing or invalid.
func LoadOrCreateCertificate(dir, commonName string) (tls.Certificate, string /* fingerprint */, error) {
	dir = filepath.Join(dir, "tls")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return tls.Certificate{}, "", err
	}

	var (
		certFile = filepath.Join(dir, "cert.pem")
		keyFile  = filepath.Join(dir, "cert-private-key.pem")
	)

	if cert, err := loadCertificate(certFile, keyFile); err == nil {
		return cert, GetCertFingerprint(cert.Leaf.Raw), nil
	}

	certPem, keyPem, err := genCert(commonName)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	if err := atomicfile.Write(keyFile, keyPem, 0600); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("writing key: %w", err)
	}
	if err := atomicfile.Write(certFile, certPem, 0644); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("writing cert: %w", err)
	}

	cert, err := loadCertificate(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	return cert, GetCertFingerprint(cert.Leaf.Raw), nil
}

func loadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return cert, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	return cert, err
}

func genCert(commonName string) ([]byte, []byte, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24 * 3650),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPem, keyPem, nil
}

// TLSConfig serves cert and requests a client certificate. Which client certificates are
// accepted is decided by WithAuth.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}
