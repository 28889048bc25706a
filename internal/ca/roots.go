package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThalesIgnite/crypto11"
	"github.com/globalsign/pemfile"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// Names under which root material is kept in storage.
const (
	RSARootName   = "rsa-root"
	ECDSARootName = "ecdsa-root"
)

// Root is one self-signed trust anchor and the signer for its key.
type Root struct {
	Name        string
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// Roots holds the RSA and ECDSA roots. They are loaded once at startup and
// shared read-only afterwards.
type Roots struct {
	RSA   *Root
	ECDSA *Root

	closer func() error
}

// All returns the configured roots, RSA first.
func (r *Roots) All() []*Root {
	var out []*Root
	if r.RSA != nil {
		out = append(out, r.RSA)
	}
	if r.ECDSA != nil {
		out = append(out, r.ECDSA)
	}
	return out
}

// Certificates returns the root certificates, RSA first.
func (r *Roots) Certificates() []*x509.Certificate {
	var out []*x509.Certificate
	for _, root := range r.All() {
		out = append(out, root.Certificate)
	}
	return out
}

// ForKey selects the issuing root for a subject public key: RSA keys are
// signed by the RSA root and ECDSA keys by the ECDSA root.
func (r *Roots) ForKey(pub crypto.PublicKey) (*Root, error) {
	switch KeyType(pub) {
	case KeyTypeRSA:
		if r.RSA == nil {
			return nil, errors.New("no RSA root is configured")
		}
		return r.RSA, nil
	case KeyTypeECDSA:
		if r.ECDSA == nil {
			return nil, errors.New("no ECDSA root is configured")
		}
		return r.ECDSA, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// ForIssuer finds the root whose subject equals issuer (compared as DER).
func (r *Roots) ForIssuer(cert *x509.Certificate) *Root {
	for _, root := range r.All() {
		if string(root.Certificate.RawSubject) == string(cert.RawIssuer) {
			return root
		}
	}
	return nil
}

// Close releases a PKCS#11 session when one was opened.
func (r *Roots) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// LoadRoots loads or creates both roots according to cfg.KeySource.
func LoadRoots(ctx context.Context, cfg *config.Config, store storage.Storage) (*Roots, error) {
	switch strings.ToLower(cfg.KeySource) {
	case "", "storage":
		return loadRootsFromStorage(ctx, cfg, store)
	case "files":
		return loadRootsFromFiles(cfg)
	case "pkcs11":
		return loadRootsFromPKCS11(cfg)
	default:
		return nil, fmt.Errorf("ca: unknown key source %q", cfg.KeySource)
	}
}

type rootSpec struct {
	name       string
	commonName string
	newKey     func() (crypto.Signer, error)
}

func rootSpecs(cfg *config.Config) []rootSpec {
	return []rootSpec{
		{
			name:       RSARootName,
			commonName: cfg.RSARootCommonName,
			newKey: func() (crypto.Signer, error) {
				return rsa.GenerateKey(rand.Reader, cfg.RSARootKeySize)
			},
		},
		{
			name:       ECDSARootName,
			commonName: cfg.ECDSARootCommonName,
			newKey: func() (crypto.Signer, error) {
				return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
			},
		},
	}
}

func loadRootsFromStorage(ctx context.Context, cfg *config.Config, store storage.Storage) (*Roots, error) {
	roots := &Roots{}
	for _, spec := range rootSpecs(cfg) {
		root, err := loadOrCreateRoot(ctx, cfg, store, spec)
		if err != nil {
			return nil, err
		}
		if spec.name == RSARootName {
			roots.RSA = root
		} else {
			roots.ECDSA = root
		}
	}
	return roots, nil
}

func loadOrCreateRoot(ctx context.Context, cfg *config.Config, store storage.Storage, spec rootSpec) (*Root, error) {
	l := logger.With(zap.String("root", spec.name))

	keyPEM, err := store.GetCAKey(ctx, spec.name)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to get %s key from storage: %w", spec.name, err)
	}
	certPEM, err := store.GetCACertificate(ctx, spec.name)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to get %s certificate from storage: %w", spec.name, err)
	}

	if keyPEM != nil && certPEM != nil {
		signer, err := parsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored %s key: %w", spec.name, err)
		}
		cert, err := ParseCertificatePEM(certPEM)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored %s certificate: %w", spec.name, err)
		}
		l.Info("Loaded root from storage", zap.String("subject", cert.Subject.String()))
		return &Root{Name: spec.name, Certificate: cert, Signer: signer}, nil
	}

	l.Info("Root key or certificate not found in storage, generating new ones")
	signer, err := spec.newKey()
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate %s key: %w", spec.name, err)
	}
	cert, err := generateRootCertificate(cfg, spec.commonName, signer)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create %s certificate: %w", spec.name, err)
	}

	keyPEM, err = encodePrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to encode %s key: %w", spec.name, err)
	}
	if err := store.SaveCAKey(ctx, spec.name, keyPEM); err != nil {
		return nil, fmt.Errorf("ca: failed to save %s key: %w", spec.name, err)
	}
	if err := store.SaveCACertificate(ctx, spec.name, EncodeCertificate(cert)); err != nil {
		return nil, fmt.Errorf("ca: failed to save %s certificate: %w", spec.name, err)
	}
	l.Info("New root generated and saved", zap.String("subject", cert.Subject.String()))
	return &Root{Name: spec.name, Certificate: cert, Signer: signer}, nil
}

// generateRootCertificate creates a self-signed CA certificate for signer.
func generateRootCertificate(cfg *config.Config, commonName string, signer crypto.Signer) (*x509.Certificate, error) {
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(signer.Public())
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{
		Organization: []string{cfg.Organization},
		Country:      []string{cfg.Country},
		Province:     []string{cfg.Province},
		Locality:     []string{cfg.Locality},
		CommonName:   commonName,
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notBefore.AddDate(cfg.CACertValidityYears, 0, 0),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create self-signed CA certificate: %w", err)
	}
	return x509.ParseCertificate(derBytes)
}

func loadRootsFromFiles(cfg *config.Config) (*Roots, error) {
	rsaRoot, err := loadRootFiles(RSARootName, cfg.RSARootCertFile, cfg.RSARootKeyFile)
	if err != nil {
		return nil, err
	}
	ecdsaRoot, err := loadRootFiles(ECDSARootName, cfg.ECDSARootCertFile, cfg.ECDSARootKeyFile)
	if err != nil {
		return nil, err
	}
	return &Roots{RSA: rsaRoot, ECDSA: ecdsaRoot}, nil
}

func loadRootFiles(name, certFile, keyFile string) (*Root, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("ca: certificate and key files are required for %s", name)
	}
	cert, err := readRootCertificate(certFile)
	if err != nil {
		return nil, fmt.Errorf("ca: %s: %w", name, err)
	}

	blocks, err := pemfile.ReadBlocks(keyFile)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to read %s key file: %w", name, err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("ca: no private key found in %s", keyFile)
	}
	if err := pemfile.IsType(blocks[0], pkcs8PrivateKeyPEMType, pkcs1PrivateKeyPEMType, ecPrivateKeyPEMType); err != nil {
		return nil, fmt.Errorf("ca: %s key file: %w", name, err)
	}
	signer, err := parsePrivateKeyBlock(blocks[0])
	if err != nil {
		return nil, fmt.Errorf("ca: %s: %w", name, err)
	}
	if err := matchKeys(cert, signer); err != nil {
		return nil, fmt.Errorf("ca: %s: %w", name, err)
	}

	logger.Info("Loaded root from files", zap.String("root", name), zap.String("cert_file", certFile), zap.String("key_file", keyFile))
	return &Root{Name: name, Certificate: cert, Signer: signer}, nil
}

// readRootCertificate returns the first certificate of a PEM file and checks it can sign.
func readRootCertificate(certFile string) (*x509.Certificate, error) {
	blocks, err := pemfile.ReadBlocks(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", certFile)
	}
	if err := pemfile.IsType(blocks[0], certificatePEMType); err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(blocks[0].Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, errors.New("certificate is not a signing CA")
	}
	return cert, nil
}

func loadRootsFromPKCS11(cfg *config.Config) (*Roots, error) {
	p, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.PKCS11Module,
		TokenLabel: cfg.PKCS11TokenLabel,
		Pin:        cfg.PKCS11Pin,
	})
	if err != nil {
		return nil, fmt.Errorf("ca: failed to configure PKCS11: %w", err)
	}

	roots := &Roots{closer: p.Close}
	load := func(name, label, certFile string) (*Root, error) {
		cert, err := readRootCertificate(certFile)
		if err != nil {
			return nil, fmt.Errorf("ca: %s: %w", name, err)
		}
		signer, err := p.FindKeyPair(nil, []byte(label))
		if err != nil {
			return nil, fmt.Errorf("ca: failed to find key pair %q: %w", label, err)
		}
		if signer == nil {
			return nil, fmt.Errorf("ca: key pair %q not found on token", label)
		}
		if err := matchKeys(cert, signer); err != nil {
			return nil, fmt.Errorf("ca: %s: %w", name, err)
		}
		logger.Info("Loaded root from PKCS#11 token", zap.String("root", name), zap.String("label", label))
		return &Root{Name: name, Certificate: cert, Signer: signer}, nil
	}

	if roots.RSA, err = load(RSARootName, cfg.PKCS11RSAKeyLabel, cfg.RSARootCertFile); err != nil {
		p.Close()
		return nil, err
	}
	if roots.ECDSA, err = load(ECDSARootName, cfg.PKCS11ECDSAKeyLabel, cfg.ECDSARootCertFile); err != nil {
		p.Close()
		return nil, err
	}
	return roots, nil
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

func matchKeys(cert *x509.Certificate, signer crypto.Signer) error {
	pub, ok := cert.PublicKey.(publicKeyEqualer)
	if !ok || !pub.Equal(signer.Public()) {
		return errors.New("private key does not match certificate")
	}
	return nil
}
