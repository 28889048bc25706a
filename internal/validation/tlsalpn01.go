package validation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/asn1"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/der"
)

// ACMETLS1Protocol is the ALPN protocol negotiated for tls-alpn-01.
const ACMETLS1Protocol = "acme-tls/1"

// IDPeAcmeIdentifier is id-pe-acmeIdentifier (RFC 8737 Section 6.1).
var IDPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// TLSALPN01Validator connects with the acme-tls/1 protocol and inspects
// the self-signed certificate the client presents.
type TLSALPN01Validator struct {
	Port    int
	Timeout time.Duration
	// Addr overrides the dial address; tests point it at a local server.
	Addr string
}

func (v *TLSALPN01Validator) Validate(ctx context.Context, in Input) (bool, error) {
	keyAuth, err := KeyAuthorization(in.Challenge.Token, in.Account)
	if err != nil {
		return false, failure(KindUnauthorized, "%v", err)
	}
	ctx, cancel := withTimeout(ctx, v.Timeout)
	defer cancel()

	addr := v.Addr
	if addr == "" {
		port := v.Port
		if port == 0 {
			port = 443
		}
		addr = net.JoinHostPort(in.Domain, strconv.Itoa(port))
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		ServerName:         in.Domain,
		NextProtos:         []string{ACMETLS1Protocol},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug("TLS-ALPN-01 handshake failed", zap.String("addr", addr), zap.Error(err))
		return false, failure(KindTLS, "connecting to %s: %v", addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != ACMETLS1Protocol {
		return false, failure(KindUnauthorized, "%s did not negotiate %s", addr, ACMETLS1Protocol)
	}
	if len(state.PeerCertificates) == 0 {
		return false, failure(KindTLS, "%s presented no certificate", addr)
	}
	cert := state.PeerCertificates[0]
	if len(cert.DNSNames) != 1 || !strings.EqualFold(cert.DNSNames[0], in.Domain) {
		return false, failure(KindUnauthorized, "certificate from %s must carry exactly one dNSName %q", addr, in.Domain)
	}

	expected := sha256.Sum256([]byte(keyAuth))
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(IDPeAcmeIdentifier) {
			continue
		}
		if !ext.Critical {
			return false, failure(KindUnauthorized, "acmeIdentifier extension from %s is not critical", addr)
		}
		r := der.NewReader(ext.Value)
		got, err := r.OctetString("acmeIdentifier")
		if err == nil {
			err = r.Finish()
		}
		if err != nil {
			return false, failure(KindUnauthorized, "acmeIdentifier extension from %s is malformed", addr)
		}
		if subtle.ConstantTimeCompare(got, expected[:]) != 1 {
			return false, failure(KindIncorrectResponse, "acmeIdentifier extension from %s does not match the key authorization", addr)
		}
		return true, nil
	}
	return false, failure(KindUnauthorized, "certificate from %s has no acmeIdentifier extension", addr)
}
