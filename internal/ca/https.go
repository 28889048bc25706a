package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/config"
)

const httpsCertLifetime = 365 * 24 * time.Hour

// EnsureHTTPSCertificates returns the configured TLS certificate and key
// paths, issuing a server certificate from the ECDSA root when neither file
// exists. The certificate covers localhost and the external URL's host.
func EnsureHTTPSCertificates(cfg *config.Config, roots *Roots) (certFile string, keyFile string, err error) {
	certFile, keyFile = cfg.HTTPSCertFile, cfg.HTTPSKeyFile

	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	switch {
	case certErr == nil && keyErr == nil:
		logger.Info("Using existing HTTPS certificate and key files", zap.String("cert_file", certFile), zap.String("key_file", keyFile))
		return certFile, keyFile, nil
	case certErr == nil:
		return "", "", fmt.Errorf("ca: cert file exists but key file does not")
	case keyErr == nil:
		return "", "", fmt.Errorf("ca: key file exists but cert file does not")
	case !os.IsNotExist(certErr):
		return "", "", fmt.Errorf("ca: failed to check HTTPS certificate file '%s': %w", certFile, certErr)
	}

	if err := os.MkdirAll(filepath.Dir(certFile), 0750); err != nil {
		return "", "", fmt.Errorf("ca: failed to create directory for HTTPS certificate: %w", err)
	}
	if err := issueServerCertificate(cfg, roots.ECDSA, certFile, keyFile); err != nil {
		return "", "", err
	}
	logger.Info("Generated HTTPS certificate", zap.String("cert_file", certFile), zap.String("key_file", keyFile))
	return certFile, keyFile, nil
}

func issueServerCertificate(cfg *config.Config, root *Root, certFile, keyFile string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("ca: failed to generate HTTPS private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return fmt.Errorf("ca: %w", err)
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	if u, err := url.Parse(cfg.ExternalURL); err == nil && u.Hostname() != "" && u.Hostname() != "localhost" {
		if ip := net.ParseIP(u.Hostname()); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, u.Hostname())
		}
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{cfg.Organization}, CommonName: dnsNames[len(dnsNames)-1]},
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(httpsCertLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		AuthorityKeyId:        root.Certificate.SubjectKeyId,
	}
	if template.NotAfter.After(root.Certificate.NotAfter) {
		template.NotAfter = root.Certificate.NotAfter
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, root.Certificate, &priv.PublicKey, root.Signer)
	if err != nil {
		return fmt.Errorf("ca: failed to create HTTPS certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("ca: failed to marshal HTTPS private key: %w", err)
	}

	chain := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: derBytes})
	chain = append(chain, EncodeCertificate(root.Certificate)...)
	if err := os.WriteFile(certFile, chain, 0644); err != nil {
		return fmt.Errorf("ca: failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: ecPrivateKeyPEMType, Bytes: keyDER}), 0600); err != nil {
		return fmt.Errorf("ca: failed to write private key file: %w", err)
	}
	return nil
}
