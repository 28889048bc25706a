package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/blockadesystems/pkifoundry/internal/der"
)

const (
	defaultSerialBits = 128 // Bit size for serial number randomness

	pkcs8PrivateKeyPEMType = "PRIVATE KEY"
	pkcs1PrivateKeyPEMType = "RSA PRIVATE KEY"
	ecPrivateKeyPEMType    = "EC PRIVATE KEY"
	certificatePEMType     = "CERTIFICATE"
)

// Key algorithm names used by policy checks and metrics.
const (
	KeyTypeRSA     = "RSA"
	KeyTypeECDSA   = "ECDSA"
	KeyTypeEd25519 = "Ed25519"
)

// generateSerialNumber creates a secure random serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("generated non-positive serial number")
	}
	return serialNumber, nil
}

// SerialHex renders a serial number the way the certificate ledger keys it.
func SerialHex(n *big.Int) string {
	return strings.ToUpper(n.Text(16))
}

// NormalizeSerial upper-cases a hex serial and strips separators and leading zeros.
func NormalizeSerial(serial string) string {
	s := strings.ToUpper(strings.TrimSpace(serial))
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	s = strings.TrimLeft(s, "0")
	if s == "" && serial != "" {
		return "0"
	}
	return s
}

// Thumbprint is the upper-case hex SHA-1 of a DER certificate.
func Thumbprint(certDER []byte) string {
	sum := sha1.Sum(certDER)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// KeyType names the algorithm of a public key, or "" when unsupported.
func KeyType(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return KeyTypeRSA
	case *ecdsa.PublicKey:
		return KeyTypeECDSA
	case ed25519.PublicKey:
		return KeyTypeEd25519
	default:
		return ""
	}
}

// computeSubjectKeyID calculates the SKI according to RFC 5280 section 4.2.1.2
// method (1): the SHA-1 of the subjectPublicKey BIT STRING contents.
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	spki, err := der.ParseSubjectPublicKeyInfo(spkiDER)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.PublicKey)
	return hash[:], nil
}

// encodePrivateKey encodes a software key into PEM. RSA and ECDSA keep their
// traditional block types; anything else is written as PKCS#8.
func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var block *pem.Block
	switch k := key.(type) {
	case *rsa.PrivateKey:
		block = &pem.Block{Type: pkcs1PrivateKeyPEMType, Bytes: x509.MarshalPKCS1PrivateKey(k)}
	case *ecdsa.PrivateKey:
		b, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
		block = &pem.Block{Type: ecPrivateKeyPEMType, Bytes: b}
	default:
		b, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unsupported private key type %T: %w", key, err)
		}
		block = &pem.Block{Type: pkcs8PrivateKeyPEMType, Bytes: b}
	}
	return pem.EncodeToMemory(block), nil
}

// parsePrivateKey parses a PEM-encoded PKCS#1, SEC 1 or PKCS#8 private key.
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	return parsePrivateKeyBlock(block)
}

func parsePrivateKeyBlock(block *pem.Block) (crypto.Signer, error) {
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case pkcs1PrivateKeyPEMType:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case ecPrivateKeyPEMType:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case pkcs8PrivateKeyPEMType:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}
	return signer, nil
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: cert.Raw})
}

// EncodeCertificates concatenates the PEM encodings of certs.
func EncodeCertificates(certs []*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, EncodeCertificate(c)...)
	}
	return out
}

// ParseCertificatePEM parses the first CERTIFICATE block of pemBytes.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
