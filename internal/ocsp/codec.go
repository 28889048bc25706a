// Package ocsp implements the RFC 6960 request and response templates and a
// responder that answers from the certificate ledger.
package ocsp

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/blockadesystems/pkifoundry/internal/der"
)

// ErrMalformedRequest is returned when a request cannot be decoded.
var ErrMalformedRequest = errors.New("ocsp: malformed request")

var (
	OIDBasicResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
	OIDNonce         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
)

// ResponseStatus is OCSPResponseStatus.
type ResponseStatus int

const (
	Successful       ResponseStatus = 0
	MalformedRequest ResponseStatus = 1
	InternalError    ResponseStatus = 2
	TryLater         ResponseStatus = 3
	SigRequired      ResponseStatus = 5
	Unauthorized     ResponseStatus = 6
)

func (s ResponseStatus) String() string {
	switch s {
	case Successful:
		return "successful"
	case MalformedRequest:
		return "malformedRequest"
	case InternalError:
		return "internalError"
	case TryLater:
		return "tryLater"
	case SigRequired:
		return "sigRequired"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CertStatus is the CHOICE carried by a SingleResponse.
type CertStatus int

const (
	Good CertStatus = iota
	Revoked
	Unknown
)

func (s CertStatus) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// CertID identifies a certificate by issuer hashes and serial number.
type CertID struct {
	HashAlgorithm  der.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

func (c CertID) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		w.Encode(c.HashAlgorithm)
		w.OctetString(c.IssuerNameHash)
		w.OctetString(c.IssuerKeyHash)
		w.Integer(c.SerialNumber)
	})
}

func ReadCertID(r *der.Reader) (CertID, error) {
	var c CertID
	seq, err := r.Sequence("CertID")
	if err != nil {
		return c, err
	}
	if c.HashAlgorithm, err = der.ReadAlgorithmIdentifier(seq); err != nil {
		return c, err
	}
	if c.IssuerNameHash, err = seq.OctetString("issuerNameHash"); err != nil {
		return c, err
	}
	if c.IssuerKeyHash, err = seq.OctetString("issuerKeyHash"); err != nil {
		return c, err
	}
	if c.SerialNumber, err = seq.Integer("serialNumber"); err != nil {
		return c, err
	}
	return c, seq.Finish()
}

// Request is a single certificate query.
type Request struct {
	CertID     CertID
	Extensions []der.Extension
}

func (q Request) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		w.Encode(q.CertID)
		if len(q.Extensions) > 0 {
			w.Explicit(0, func(w *der.Writer) { der.EncodeExtensions(w, q.Extensions) })
		}
	})
}

func ReadRequest(r *der.Reader) (Request, error) {
	var q Request
	seq, err := r.Sequence("Request")
	if err != nil {
		return q, err
	}
	if q.CertID, err = ReadCertID(seq); err != nil {
		return q, err
	}
	if exts, ok, err := seq.Optional(der.ContextConstructed(0), "singleRequestExtensions"); err != nil {
		return q, err
	} else if ok {
		if q.Extensions, err = der.ReadExtensions(exts); err != nil {
			return q, err
		}
		if err := exts.Finish(); err != nil {
			return q, err
		}
	}
	return q, seq.Finish()
}

// TBSRequest is the (optionally signed) body of an OCSP request.
type TBSRequest struct {
	Version int64
	// RequestorName is the raw GeneralName, nil when absent.
	RequestorName []byte
	RequestList   []Request
	Extensions    []der.Extension
}

func (t TBSRequest) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		if t.Version != 0 {
			w.Explicit(0, func(w *der.Writer) { w.Int64(t.Version) })
		}
		if t.RequestorName != nil {
			w.Explicit(1, func(w *der.Writer) { w.Raw(t.RequestorName) })
		}
		w.Sequence(func(w *der.Writer) {
			for _, q := range t.RequestList {
				w.Encode(q)
			}
		})
		if len(t.Extensions) > 0 {
			w.Explicit(2, func(w *der.Writer) { der.EncodeExtensions(w, t.Extensions) })
		}
	})
}

func ReadTBSRequest(r *der.Reader) (TBSRequest, error) {
	var t TBSRequest
	seq, err := r.Sequence("TBSRequest")
	if err != nil {
		return t, err
	}
	if v, ok, err := seq.Optional(der.ContextConstructed(0), "version"); err != nil {
		return t, err
	} else if ok {
		if t.Version, err = v.Int64("version"); err != nil {
			return t, err
		}
		if err := v.Finish(); err != nil {
			return t, err
		}
	}
	if name, ok, err := seq.Optional(der.ContextConstructed(1), "requestorName"); err != nil {
		return t, err
	} else if ok {
		if t.RequestorName, _, err = name.RawElement("requestorName"); err != nil {
			return t, err
		}
		if err := name.Finish(); err != nil {
			return t, err
		}
	}
	list, err := seq.Sequence("requestList")
	if err != nil {
		return t, err
	}
	for !list.Empty() {
		q, err := ReadRequest(list)
		if err != nil {
			return t, err
		}
		t.RequestList = append(t.RequestList, q)
	}
	if exts, ok, err := seq.Optional(der.ContextConstructed(2), "requestExtensions"); err != nil {
		return t, err
	} else if ok {
		if t.Extensions, err = der.ReadExtensions(exts); err != nil {
			return t, err
		}
		if err := exts.Finish(); err != nil {
			return t, err
		}
	}
	return t, seq.Finish()
}

// OCSPRequest is the outer request. A request signature is kept raw and not verified.
type OCSPRequest struct {
	TBSRequest        TBSRequest
	OptionalSignature []byte
}

func (o OCSPRequest) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		w.Encode(o.TBSRequest)
		if o.OptionalSignature != nil {
			w.Explicit(0, func(w *der.Writer) { w.Raw(o.OptionalSignature) })
		}
	})
}

// ParseRequest decodes a DER OCSPRequest.
func ParseRequest(b []byte) (OCSPRequest, error) {
	o, err := parseRequest(b)
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if len(o.TBSRequest.RequestList) == 0 {
		return o, fmt.Errorf("%w: empty request list", ErrMalformedRequest)
	}
	return o, nil
}

func parseRequest(b []byte) (OCSPRequest, error) {
	var o OCSPRequest
	r := der.NewReader(b)
	seq, err := r.Sequence("OCSPRequest")
	if err != nil {
		return o, err
	}
	if o.TBSRequest, err = ReadTBSRequest(seq); err != nil {
		return o, err
	}
	if sig, ok, err := seq.Optional(der.ContextConstructed(0), "optionalSignature"); err != nil {
		return o, err
	} else if ok {
		if o.OptionalSignature, _, err = sig.RawElement("optionalSignature"); err != nil {
			return o, err
		}
	}
	if err := seq.Finish(); err != nil {
		return o, err
	}
	return o, r.Finish()
}

// Nonce returns the value of the request nonce extension, if any.
func (o OCSPRequest) Nonce() (der.Extension, bool) {
	for _, e := range o.TBSRequest.Extensions {
		if e.ID.Equal(OIDNonce) {
			return e, true
		}
	}
	return der.Extension{}, false
}

// SingleResponse answers one CertID.
type SingleResponse struct {
	CertID           CertID
	Status           CertStatus
	RevocationTime   time.Time
	RevocationReason *int
	ThisUpdate       time.Time
	NextUpdate       *time.Time
	Extensions       []der.Extension
}

func (s SingleResponse) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		w.Encode(s.CertID)
		switch s.Status {
		case Good:
			w.Primitive(der.ContextTag(0), nil)
		case Revoked:
			w.Element(der.ContextConstructed(1), func(w *der.Writer) {
				w.GeneralizedTime(s.RevocationTime)
				if s.RevocationReason != nil {
					w.Explicit(0, func(w *der.Writer) { w.Enum(*s.RevocationReason) })
				}
			})
		default:
			w.Primitive(der.ContextTag(2), nil)
		}
		w.GeneralizedTime(s.ThisUpdate)
		if s.NextUpdate != nil {
			w.Explicit(0, func(w *der.Writer) { w.GeneralizedTime(*s.NextUpdate) })
		}
		if len(s.Extensions) > 0 {
			w.Explicit(1, func(w *der.Writer) { der.EncodeExtensions(w, s.Extensions) })
		}
	})
}

func ReadSingleResponse(r *der.Reader) (SingleResponse, error) {
	var s SingleResponse
	seq, err := r.Sequence("SingleResponse")
	if err != nil {
		return s, err
	}
	if s.CertID, err = ReadCertID(seq); err != nil {
		return s, err
	}
	switch {
	case seq.Peek(der.ContextTag(0)):
		s.Status = Good
		if _, err := seq.Element(der.ContextTag(0), "good"); err != nil {
			return s, err
		}
	case seq.Peek(der.ContextConstructed(1)):
		s.Status = Revoked
		info, err := seq.Element(der.ContextConstructed(1), "revoked")
		if err != nil {
			return s, err
		}
		if s.RevocationTime, err = info.GeneralizedTime("revocationTime"); err != nil {
			return s, err
		}
		if reason, ok, err := info.Optional(der.ContextConstructed(0), "revocationReason"); err != nil {
			return s, err
		} else if ok {
			n, err := reason.Enum("revocationReason")
			if err != nil {
				return s, err
			}
			s.RevocationReason = &n
		}
		if err := info.Finish(); err != nil {
			return s, err
		}
	case seq.Peek(der.ContextTag(2)):
		s.Status = Unknown
		if _, err := seq.Element(der.ContextTag(2), "unknown"); err != nil {
			return s, err
		}
	default:
		return s, fmt.Errorf("%w: certStatus", der.ErrMalformed)
	}
	if s.ThisUpdate, err = seq.GeneralizedTime("thisUpdate"); err != nil {
		return s, err
	}
	if next, ok, err := seq.Optional(der.ContextConstructed(0), "nextUpdate"); err != nil {
		return s, err
	} else if ok {
		t, err := next.GeneralizedTime("nextUpdate")
		if err != nil {
			return s, err
		}
		s.NextUpdate = &t
	}
	if exts, ok, err := seq.Optional(der.ContextConstructed(1), "singleExtensions"); err != nil {
		return s, err
	} else if ok {
		if s.Extensions, err = der.ReadExtensions(exts); err != nil {
			return s, err
		}
	}
	return s, seq.Finish()
}

// ResponderID is either a Name (ByName, raw DER) or a key hash (ByKey).
type ResponderID struct {
	ByName []byte
	ByKey  []byte
}

// ResponseData is the signed body of a BasicOCSPResponse.
type ResponseData struct {
	ResponderID ResponderID
	ProducedAt  time.Time
	Responses   []SingleResponse
	Extensions  []der.Extension
}

func (d ResponseData) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		if d.ResponderID.ByKey != nil {
			w.Explicit(2, func(w *der.Writer) { w.OctetString(d.ResponderID.ByKey) })
		} else {
			w.Explicit(1, func(w *der.Writer) { w.Raw(d.ResponderID.ByName) })
		}
		w.GeneralizedTime(d.ProducedAt)
		w.Sequence(func(w *der.Writer) {
			for _, s := range d.Responses {
				w.Encode(s)
			}
		})
		if len(d.Extensions) > 0 {
			w.Explicit(1, func(w *der.Writer) { der.EncodeExtensions(w, d.Extensions) })
		}
	})
}

func ReadResponseData(r *der.Reader) (ResponseData, error) {
	var d ResponseData
	seq, err := r.Sequence("ResponseData")
	if err != nil {
		return d, err
	}
	if v, ok, err := seq.Optional(der.ContextConstructed(0), "version"); err != nil {
		return d, err
	} else if ok {
		if _, err := v.Int64("version"); err != nil {
			return d, err
		}
	}
	switch {
	case seq.Peek(der.ContextConstructed(1)):
		name, err := seq.Element(der.ContextConstructed(1), "responderID byName")
		if err != nil {
			return d, err
		}
		if d.ResponderID.ByName, _, err = name.RawElement("responderID byName"); err != nil {
			return d, err
		}
	case seq.Peek(der.ContextConstructed(2)):
		key, err := seq.Element(der.ContextConstructed(2), "responderID byKey")
		if err != nil {
			return d, err
		}
		if d.ResponderID.ByKey, err = key.OctetString("responderID byKey"); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("%w: responderID", der.ErrMalformed)
	}
	if d.ProducedAt, err = seq.GeneralizedTime("producedAt"); err != nil {
		return d, err
	}
	list, err := seq.Sequence("responses")
	if err != nil {
		return d, err
	}
	for !list.Empty() {
		s, err := ReadSingleResponse(list)
		if err != nil {
			return d, err
		}
		d.Responses = append(d.Responses, s)
	}
	if exts, ok, err := seq.Optional(der.ContextConstructed(1), "responseExtensions"); err != nil {
		return d, err
	} else if ok {
		if d.Extensions, err = der.ReadExtensions(exts); err != nil {
			return d, err
		}
	}
	return d, seq.Finish()
}

// BasicResponse is BasicOCSPResponse. TBSRaw keeps the exact signed bytes of
// a decoded response.
type BasicResponse struct {
	TBSResponseData    ResponseData
	TBSRaw             []byte
	SignatureAlgorithm der.AlgorithmIdentifier
	Signature          []byte
	Certificates       [][]byte
}

func (b BasicResponse) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		if b.TBSRaw != nil {
			w.Raw(b.TBSRaw)
		} else {
			w.Encode(b.TBSResponseData)
		}
		w.Encode(b.SignatureAlgorithm)
		w.BitString(b.Signature)
		if len(b.Certificates) > 0 {
			w.Explicit(0, func(w *der.Writer) {
				w.Sequence(func(w *der.Writer) {
					for _, c := range b.Certificates {
						w.Raw(c)
					}
				})
			})
		}
	})
}

func ReadBasicResponse(r *der.Reader) (BasicResponse, error) {
	var b BasicResponse
	seq, err := r.Sequence("BasicOCSPResponse")
	if err != nil {
		return b, err
	}
	if b.TBSRaw, err = seq.RawElementWithTag(cbasn1.SEQUENCE, "tbsResponseData"); err != nil {
		return b, err
	}
	if b.TBSResponseData, err = ReadResponseData(der.NewReader(b.TBSRaw)); err != nil {
		return b, err
	}
	if b.SignatureAlgorithm, err = der.ReadAlgorithmIdentifier(seq); err != nil {
		return b, err
	}
	if b.Signature, err = seq.BitString("signature"); err != nil {
		return b, err
	}
	if certs, ok, err := seq.Optional(der.ContextConstructed(0), "certs"); err != nil {
		return b, err
	} else if ok {
		list, err := certs.Sequence("certs")
		if err != nil {
			return b, err
		}
		for !list.Empty() {
			c, err := list.RawElementWithTag(cbasn1.SEQUENCE, "certificate")
			if err != nil {
				return b, err
			}
			b.Certificates = append(b.Certificates, c)
		}
	}
	return b, seq.Finish()
}

// Response is OCSPResponse. Basic is nil unless Status is Successful.
type Response struct {
	Status ResponseStatus
	Basic  *BasicResponse
}

func (o Response) Encode(w *der.Writer) {
	w.Sequence(func(w *der.Writer) {
		w.Enum(int(o.Status))
		if o.Basic != nil {
			w.Explicit(0, func(w *der.Writer) {
				w.Sequence(func(w *der.Writer) {
					w.OID(OIDBasicResponse)
					w.Element(cbasn1.OCTET_STRING, func(w *der.Writer) { w.Encode(*o.Basic) })
				})
			})
		}
	})
}

// ParseResponse decodes a DER OCSPResponse.
func ParseResponse(b []byte) (Response, error) {
	var o Response
	r := der.NewReader(b)
	seq, err := r.Sequence("OCSPResponse")
	if err != nil {
		return o, err
	}
	status, err := seq.Enum("responseStatus")
	if err != nil {
		return o, err
	}
	o.Status = ResponseStatus(status)
	if rb, ok, err := seq.Optional(der.ContextConstructed(0), "responseBytes"); err != nil {
		return o, err
	} else if ok {
		inner, err := rb.Sequence("ResponseBytes")
		if err != nil {
			return o, err
		}
		oid, err := inner.OID("responseType")
		if err != nil {
			return o, err
		}
		if !oid.Equal(OIDBasicResponse) {
			return o, fmt.Errorf("%w: unsupported response type %v", der.ErrMalformed, oid)
		}
		body, err := inner.OctetString("response")
		if err != nil {
			return o, err
		}
		basic, err := ReadBasicResponse(der.NewReader(body))
		if err != nil {
			return o, err
		}
		o.Basic = &basic
	}
	if err := seq.Finish(); err != nil {
		return o, err
	}
	return o, r.Finish()
}
