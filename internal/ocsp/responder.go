package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/der"
	"github.com/blockadesystems/pkifoundry/internal/metrics"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ocsp"))
}

// StatusSource looks up the revocation state of a serial number.
type StatusSource interface {
	CertificateStatus(ctx context.Context, serialNumber string) (ca.Status, error)
}

// Responder answers OCSP requests for certificates issued by roots.
type Responder struct {
	source     StatusSource
	roots      *ca.Roots
	nextUpdate time.Duration
	now        func() time.Time
}

// NewResponder builds a responder. nextUpdate is the distance between
// thisUpdate and nextUpdate; zero omits nextUpdate.
func NewResponder(source StatusSource, roots *ca.Roots, nextUpdate time.Duration) *Responder {
	return &Responder{source: source, roots: roots, nextUpdate: nextUpdate, now: time.Now}
}

type issuerHashes struct {
	name    []byte
	keyHash []byte
}

// Respond decodes reqDER and returns a DER OCSPResponse. It never fails:
// undecodable input yields malformedRequest and any other fault internalError.
func (r *Responder) Respond(ctx context.Context, reqDER []byte) (resp []byte) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic while answering OCSP request", zap.Any("panic", p))
			resp = statusOnly(InternalError)
		}
	}()

	req, err := ParseRequest(reqDER)
	if err != nil {
		logger.Debug("Rejecting malformed OCSP request", zap.Error(err))
		metrics.OCSPResponses.WithLabelValues(MalformedRequest.String(), "").Inc()
		return statusOnly(MalformedRequest)
	}

	out, err := r.respond(ctx, req)
	if err != nil {
		logger.Error("Failed to answer OCSP request", zap.Error(err))
		metrics.OCSPResponses.WithLabelValues(InternalError.String(), "").Inc()
		return statusOnly(InternalError)
	}
	return out
}

func (r *Responder) respond(ctx context.Context, req OCSPRequest) ([]byte, error) {
	now := r.now().UTC().Truncate(time.Second)
	var nextUpdate *time.Time
	if r.nextUpdate > 0 {
		t := now.Add(r.nextUpdate)
		nextUpdate = &t
	}

	var signer *ca.Root
	singles := make([]SingleResponse, 0, len(req.TBSRequest.RequestList))
	for _, q := range req.TBSRequest.RequestList {
		single := SingleResponse{CertID: q.CertID, Status: Unknown, ThisUpdate: now, NextUpdate: nextUpdate}

		root, err := r.matchIssuer(q.CertID)
		if err != nil {
			return nil, err
		}
		if root != nil {
			if signer == nil {
				signer = root
			}
			st, err := r.source.CertificateStatus(ctx, ca.SerialHex(q.CertID.SerialNumber))
			if err != nil {
				return nil, err
			}
			// A ledger entry from another root is not ours to vouch for.
			if st.Item != nil && st.Item.Issuer == root.Certificate.Subject.String() {
				switch st.Status {
				case ca.StatusGood:
					single.Status = Good
				case ca.StatusRevoked:
					single.Status = Revoked
					single.RevocationTime = st.RevokedAt
					reason := st.Reason
					single.RevocationReason = &reason
				}
			}
		}
		metrics.OCSPResponses.WithLabelValues(Successful.String(), single.Status.String()).Inc()
		singles = append(singles, single)
	}
	if signer == nil {
		signer = r.roots.ECDSA
	}

	keyHash, err := publicKeyHash(sha1.New(), signer.Certificate.RawSubjectPublicKeyInfo)
	if err != nil {
		return nil, err
	}
	data := ResponseData{
		ResponderID: ResponderID{ByKey: keyHash},
		ProducedAt:  now,
		Responses:   singles,
	}
	if nonce, ok := req.Nonce(); ok {
		data.Extensions = []der.Extension{nonce}
	}

	basic, err := sign(data, signer)
	if err != nil {
		return nil, err
	}
	return der.Marshal(Response{Status: Successful, Basic: basic})
}

// matchIssuer finds the root whose name and key hashes match id. Unsupported
// hash algorithms match nothing.
func (r *Responder) matchIssuer(id CertID) (*ca.Root, error) {
	var newHash func() hash.Hash
	switch {
	case id.HashAlgorithm.Algorithm.Equal(der.OIDSHA1):
		newHash = sha1.New
	case id.HashAlgorithm.Algorithm.Equal(der.OIDSHA256):
		newHash = sha256.New
	default:
		return nil, nil
	}
	for _, root := range r.roots.All() {
		h, err := hashesFor(root, newHash)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(h.name, id.IssuerNameHash) && bytes.Equal(h.keyHash, id.IssuerKeyHash) {
			return root, nil
		}
	}
	return nil, nil
}

func hashesFor(root *ca.Root, newHash func() hash.Hash) (issuerHashes, error) {
	nh := newHash()
	nh.Write(root.Certificate.RawSubject)
	keyHash, err := publicKeyHash(newHash(), root.Certificate.RawSubjectPublicKeyInfo)
	if err != nil {
		return issuerHashes{}, err
	}
	return issuerHashes{name: nh.Sum(nil), keyHash: keyHash}, nil
}

// publicKeyHash hashes the subjectPublicKey BIT STRING contents of spkiDER.
func publicKeyHash(h hash.Hash, spkiDER []byte) ([]byte, error) {
	spki, err := der.ParseSubjectPublicKeyInfo(spkiDER)
	if err != nil {
		return nil, fmt.Errorf("ocsp: issuer public key: %w", err)
	}
	h.Write(spki.PublicKey)
	return h.Sum(nil), nil
}

func sign(data ResponseData, root *ca.Root) (*BasicResponse, error) {
	tbs, err := der.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ocsp: encode response data: %w", err)
	}

	var (
		alg    der.AlgorithmIdentifier
		digest []byte
		opts   crypto.SignerOpts
	)
	switch pub := root.Signer.Public().(type) {
	case *rsa.PublicKey:
		sum := sha256.Sum256(tbs)
		alg = der.AlgorithmIdentifier{Algorithm: der.OIDSHA256WithRSA, Parameters: der.NullParameters}
		digest, opts = sum[:], crypto.SHA256
	case *ecdsa.PublicKey:
		if pub.Curve == elliptic.P384() || pub.Curve == elliptic.P521() {
			sum := sha512.Sum384(tbs)
			alg = der.AlgorithmIdentifier{Algorithm: der.OIDECDSAWithSHA384}
			digest, opts = sum[:], crypto.SHA384
		} else {
			sum := sha256.Sum256(tbs)
			alg = der.AlgorithmIdentifier{Algorithm: der.OIDECDSAWithSHA256}
			digest, opts = sum[:], crypto.SHA256
		}
	default:
		return nil, fmt.Errorf("ocsp: unsupported signer key %T", pub)
	}

	sig, err := root.Signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, fmt.Errorf("ocsp: sign response: %w", err)
	}
	return &BasicResponse{
		TBSResponseData:    data,
		TBSRaw:             tbs,
		SignatureAlgorithm: alg,
		Signature:          sig,
	}, nil
}

var (
	malformedResponse = []byte{0x30, 0x03, 0x0a, 0x01, 0x01}
	internalResponse  = []byte{0x30, 0x03, 0x0a, 0x01, 0x02}
)

// statusOnly encodes an unsuccessful OCSPResponse without responseBytes.
func statusOnly(status ResponseStatus) []byte {
	switch status {
	case MalformedRequest:
		return append([]byte(nil), malformedResponse...)
	case InternalError:
		return append([]byte(nil), internalResponse...)
	}
	out, err := der.Marshal(Response{Status: status})
	if err != nil {
		return append([]byte(nil), internalResponse...)
	}
	return out
}
