package der

import (
	"encoding/asn1"

	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Well known object identifiers.
var (
	OIDExtensionRequest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
	OIDSubjectAltName          = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDCommonName              = asn1.ObjectIdentifier{2, 5, 4, 3}
	OIDOrganization            = asn1.ObjectIdentifier{2, 5, 4, 10}
	OIDCountry                 = asn1.ObjectIdentifier{2, 5, 4, 6}
	OIDSHA1                    = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256                  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDRSAEncryption           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDECPublicKey             = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDSHA256WithRSA           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDECDSAWithSHA256         = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384         = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDACMEIdentifierExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}
)

// AlgorithmIdentifier ::= SEQUENCE { algorithm OID, parameters ANY OPTIONAL }.
// Parameters holds the raw encoded parameters element, nil when absent.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters []byte
}

// NullParameters is the encoded NULL used by RSA and SHA algorithm identifiers.
var NullParameters = []byte{0x05, 0x00}

func (a AlgorithmIdentifier) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.OID(a.Algorithm)
		if a.Parameters != nil {
			w.Raw(a.Parameters)
		}
	})
}

// ReadAlgorithmIdentifier decodes an AlgorithmIdentifier.
func ReadAlgorithmIdentifier(r *Reader) (AlgorithmIdentifier, error) {
	var a AlgorithmIdentifier
	seq, err := r.Sequence("AlgorithmIdentifier")
	if err != nil {
		return a, err
	}
	if a.Algorithm, err = seq.OID("algorithm"); err != nil {
		return a, err
	}
	if !seq.Empty() {
		if a.Parameters, _, err = seq.RawElement("algorithm parameters"); err != nil {
			return a, err
		}
	}
	return a, seq.Finish()
}

// AttributeTypeAndValue is one component of a relative distinguished name.
type AttributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value string
	Tag   cbasn1.Tag // string type the value is encoded with
}

// RelativeDistinguishedName ::= SET OF AttributeTypeAndValue.
type RelativeDistinguishedName []AttributeTypeAndValue

// Name ::= SEQUENCE OF RelativeDistinguishedName.
type Name []RelativeDistinguishedName

func (n Name) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		for _, rdn := range n {
			w.Set(func(w *Writer) {
				for _, atv := range rdn {
					w.Sequence(func(w *Writer) {
						w.OID(atv.Type)
						tag := atv.Tag
						if tag == 0 {
							tag = cbasn1.UTF8String
						}
						w.String(tag, atv.Value)
					})
				}
			})
		}
	})
}

// CommonName returns the first CN attribute value.
func (n Name) CommonName() string {
	for _, rdn := range n {
		for _, atv := range rdn {
			if atv.Type.Equal(OIDCommonName) {
				return atv.Value
			}
		}
	}
	return ""
}

// ReadName decodes a Name.
func ReadName(r *Reader) (Name, error) {
	seq, err := r.Sequence("Name")
	if err != nil {
		return nil, err
	}
	var name Name
	for !seq.Empty() {
		set, err := seq.Set("RelativeDistinguishedName")
		if err != nil {
			return nil, err
		}
		var rdn RelativeDistinguishedName
		for !set.Empty() {
			atvSeq, err := set.Sequence("AttributeTypeAndValue")
			if err != nil {
				return nil, err
			}
			var atv AttributeTypeAndValue
			if atv.Type, err = atvSeq.OID("attribute type"); err != nil {
				return nil, err
			}
			if atv.Value, atv.Tag, err = atvSeq.String("attribute value"); err != nil {
				return nil, err
			}
			if err := atvSeq.Finish(); err != nil {
				return nil, err
			}
			rdn = append(rdn, atv)
		}
		name = append(name, rdn)
	}
	return name, nil
}

// SubjectPublicKeyInfo ::= SEQUENCE { algorithm AlgorithmIdentifier, subjectPublicKey BIT STRING }.
type SubjectPublicKeyInfo struct {
	Algorithm AlgorithmIdentifier
	PublicKey []byte
}

func (s SubjectPublicKeyInfo) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.Encode(s.Algorithm)
		w.BitString(s.PublicKey)
	})
}

// ReadSubjectPublicKeyInfo decodes a SubjectPublicKeyInfo.
func ReadSubjectPublicKeyInfo(r *Reader) (SubjectPublicKeyInfo, error) {
	var s SubjectPublicKeyInfo
	seq, err := r.Sequence("SubjectPublicKeyInfo")
	if err != nil {
		return s, err
	}
	if s.Algorithm, err = ReadAlgorithmIdentifier(seq); err != nil {
		return s, err
	}
	if s.PublicKey, err = seq.BitString("subjectPublicKey"); err != nil {
		return s, err
	}
	return s, seq.Finish()
}

// ParseSubjectPublicKeyInfo decodes a standalone DER SubjectPublicKeyInfo.
func ParseSubjectPublicKeyInfo(b []byte) (SubjectPublicKeyInfo, error) {
	r := NewReader(b)
	spki, err := ReadSubjectPublicKeyInfo(r)
	if err != nil {
		return spki, err
	}
	return spki, r.Finish()
}

// Extension ::= SEQUENCE { extnID OID, critical BOOLEAN DEFAULT FALSE, extnValue OCTET STRING }.
type Extension struct {
	ID       asn1.ObjectIdentifier
	Critical bool
	Value    []byte
}

func (e Extension) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.OID(e.ID)
		if e.Critical {
			w.Boolean(true)
		}
		w.OctetString(e.Value)
	})
}

// ReadExtension decodes an Extension.
func ReadExtension(r *Reader) (Extension, error) {
	var e Extension
	seq, err := r.Sequence("Extension")
	if err != nil {
		return e, err
	}
	if e.ID, err = seq.OID("extnID"); err != nil {
		return e, err
	}
	if seq.Peek(cbasn1.BOOLEAN) {
		if e.Critical, err = seq.Boolean("critical"); err != nil {
			return e, err
		}
	}
	if e.Value, err = seq.OctetString("extnValue"); err != nil {
		return e, err
	}
	return e, seq.Finish()
}

// EncodeExtensions writes Extensions ::= SEQUENCE OF Extension.
func EncodeExtensions(w *Writer, exts []Extension) {
	w.Sequence(func(w *Writer) {
		for _, e := range exts {
			w.Encode(e)
		}
	})
}

// ReadExtensions decodes Extensions ::= SEQUENCE OF Extension.
func ReadExtensions(r *Reader) ([]Extension, error) {
	seq, err := r.Sequence("Extensions")
	if err != nil {
		return nil, err
	}
	var exts []Extension
	for !seq.Empty() {
		e, err := ReadExtension(seq)
		if err != nil {
			return nil, err
		}
		exts = append(exts, e)
	}
	return exts, nil
}

// Attribute ::= SEQUENCE { type OID, values SET OF ANY }. Values keep their raw encoding.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values [][]byte
}

func (a Attribute) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.OID(a.Type)
		w.Set(func(w *Writer) {
			for _, v := range a.Values {
				w.Raw(v)
			}
		})
	})
}

func readAttribute(r *Reader) (Attribute, error) {
	var a Attribute
	seq, err := r.Sequence("Attribute")
	if err != nil {
		return a, err
	}
	if a.Type, err = seq.OID("attribute type"); err != nil {
		return a, err
	}
	set, err := seq.Set("attribute values")
	if err != nil {
		return a, err
	}
	for !set.Empty() {
		v, _, err := set.RawElement("attribute value")
		if err != nil {
			return a, err
		}
		a.Values = append(a.Values, v)
	}
	return a, seq.Finish()
}

// CertificationRequestInfo is the signed portion of a PKCS#10 request.
type CertificationRequestInfo struct {
	Version       int64
	Subject       Name
	PublicKeyInfo SubjectPublicKeyInfo
	Attributes    []Attribute // [0] IMPLICIT SET OF Attribute
}

func (c CertificationRequestInfo) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.Int64(c.Version)
		w.Encode(c.Subject)
		w.Encode(c.PublicKeyInfo)
		w.Element(ContextConstructed(0), func(w *Writer) {
			for _, a := range c.Attributes {
				w.Encode(a)
			}
		})
	})
}

// ReadCertificationRequestInfo decodes a CertificationRequestInfo.
func ReadCertificationRequestInfo(r *Reader) (CertificationRequestInfo, error) {
	var c CertificationRequestInfo
	seq, err := r.Sequence("CertificationRequestInfo")
	if err != nil {
		return c, err
	}
	if c.Version, err = seq.Int64("version"); err != nil {
		return c, err
	}
	if c.Version != 0 {
		return c, malformed("unsupported CertificationRequestInfo version")
	}
	if c.Subject, err = ReadName(seq); err != nil {
		return c, err
	}
	if c.PublicKeyInfo, err = ReadSubjectPublicKeyInfo(seq); err != nil {
		return c, err
	}
	attrs, err := seq.Element(ContextConstructed(0), "attributes")
	if err != nil {
		return c, err
	}
	for !attrs.Empty() {
		a, err := readAttribute(attrs)
		if err != nil {
			return c, err
		}
		c.Attributes = append(c.Attributes, a)
	}
	return c, seq.Finish()
}

// ExtensionRequest returns the extensions carried in the extensionRequest attribute.
func (c CertificationRequestInfo) ExtensionRequest() ([]Extension, error) {
	for _, a := range c.Attributes {
		if !a.Type.Equal(OIDExtensionRequest) {
			continue
		}
		var exts []Extension
		for _, v := range a.Values {
			more, err := ReadExtensions(NewReader(v))
			if err != nil {
				return nil, err
			}
			exts = append(exts, more...)
		}
		return exts, nil
	}
	return nil, nil
}

// CertificationRequest is a PKCS#10 request.
type CertificationRequest struct {
	Info               CertificationRequestInfo
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

func (c CertificationRequest) Encode(w *Writer) {
	w.Sequence(func(w *Writer) {
		w.Encode(c.Info)
		w.Encode(c.SignatureAlgorithm)
		w.BitString(c.Signature)
	})
}

// ParseCertificationRequest decodes a DER PKCS#10 request.
func ParseCertificationRequest(b []byte) (CertificationRequest, error) {
	var c CertificationRequest
	r := NewReader(b)
	seq, err := r.Sequence("CertificationRequest")
	if err != nil {
		return c, err
	}
	if c.Info, err = ReadCertificationRequestInfo(seq); err != nil {
		return c, err
	}
	if c.SignatureAlgorithm, err = ReadAlgorithmIdentifier(seq); err != nil {
		return c, err
	}
	if c.Signature, err = seq.BitString("signature"); err != nil {
		return c, err
	}
	if err := seq.Finish(); err != nil {
		return c, err
	}
	return c, r.Finish()
}
