// Package der provides a small DER reader and writer used by the CSR,
// extension and OCSP templates. Readers check the tag before consuming an
// element and report malformed input as ErrMalformed instead of panicking.
package der

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("der: malformed input")

// Encoder is implemented by every template that can write itself as DER.
type Encoder interface {
	Encode(w *Writer)
}

// Marshal encodes e into a fresh buffer.
func Marshal(e Encoder) ([]byte, error) {
	w := NewWriter()
	e.Encode(w)
	return w.Bytes()
}

// Tag helpers for context-specific elements.
func ContextTag(n uint8) cbasn1.Tag         { return cbasn1.Tag(n).ContextSpecific() }
func ContextConstructed(n uint8) cbasn1.Tag { return cbasn1.Tag(n).ContextSpecific().Constructed() }

// Writer appends DER elements to a growable buffer.
type Writer struct {
	b *cryptobyte.Builder
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{b: cryptobyte.NewBuilder(nil)}
}

// Bytes returns the encoded output or the first error hit while building it.
func (w *Writer) Bytes() ([]byte, error) {
	out, err := w.b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("der: encode: %w", err)
	}
	return out, nil
}

// Element writes a constructed or primitive element with the given tag whose
// contents are produced by f.
func (w *Writer) Element(tag cbasn1.Tag, f func(*Writer)) {
	w.b.AddASN1(tag, func(child *cryptobyte.Builder) {
		f(&Writer{b: child})
	})
}

func (w *Writer) Sequence(f func(*Writer)) { w.Element(cbasn1.SEQUENCE, f) }
func (w *Writer) Set(f func(*Writer))      { w.Element(cbasn1.SET, f) }

// Explicit wraps f in an explicitly tagged context-specific element.
func (w *Writer) Explicit(n uint8, f func(*Writer)) { w.Element(ContextConstructed(n), f) }

func (w *Writer) OID(oid asn1.ObjectIdentifier) { w.b.AddASN1ObjectIdentifier(oid) }
func (w *Writer) Integer(n *big.Int)            { w.b.AddASN1BigInt(n) }
func (w *Writer) Int64(n int64)                 { w.b.AddASN1Int64(n) }
func (w *Writer) Enum(n int)                    { w.b.AddASN1Enum(int64(n)) }
func (w *Writer) OctetString(b []byte)          { w.b.AddASN1OctetString(b) }
func (w *Writer) Boolean(v bool)                { w.b.AddASN1Boolean(v) }
func (w *Writer) Null()                         { w.b.AddASN1NULL() }

// BitString writes a BIT STRING with no unused bits.
func (w *Writer) BitString(b []byte) { w.b.AddASN1BitString(b) }

// GeneralizedTime writes t in UTC with whole-second precision.
func (w *Writer) GeneralizedTime(t time.Time) {
	w.b.AddASN1GeneralizedTime(t.UTC().Truncate(time.Second))
}

// String writes a character string with the given universal tag.
func (w *Writer) String(tag cbasn1.Tag, s string) {
	w.b.AddASN1(tag, func(child *cryptobyte.Builder) {
		child.AddBytes([]byte(s))
	})
}

// Primitive writes an element whose contents are raw bytes.
func (w *Writer) Primitive(tag cbasn1.Tag, contents []byte) {
	w.b.AddASN1(tag, func(child *cryptobyte.Builder) {
		child.AddBytes(contents)
	})
}

// Raw appends an already encoded element.
func (w *Writer) Raw(element []byte) { w.b.AddBytes(element) }

// Encode appends e.
func (w *Writer) Encode(e Encoder) { e.Encode(w) }

// Reader consumes DER elements from a byte string.
type Reader struct {
	s cryptobyte.String
}

// NewReader positions a reader at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{s: cryptobyte.String(b)}
}

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, what)
}

// Empty reports whether all input has been consumed.
func (r *Reader) Empty() bool { return r.s.Empty() }

// Finish fails when trailing data is left.
func (r *Reader) Finish() error {
	if !r.s.Empty() {
		return malformed("trailing data")
	}
	return nil
}

// Peek reports whether the next element carries tag.
func (r *Reader) Peek(tag cbasn1.Tag) bool { return r.s.PeekASN1Tag(tag) }

// Element reads an element with the given tag and returns a reader over its contents.
func (r *Reader) Element(tag cbasn1.Tag, what string) (*Reader, error) {
	if !r.s.PeekASN1Tag(tag) {
		return nil, malformed("expected " + what)
	}
	var inner cryptobyte.String
	if !r.s.ReadASN1(&inner, tag) {
		return nil, malformed(what)
	}
	return &Reader{s: inner}, nil
}

// Optional reads an element with tag when present.
func (r *Reader) Optional(tag cbasn1.Tag, what string) (*Reader, bool, error) {
	if !r.s.PeekASN1Tag(tag) {
		return nil, false, nil
	}
	inner, err := r.Element(tag, what)
	return inner, err == nil, err
}

func (r *Reader) Sequence(what string) (*Reader, error) { return r.Element(cbasn1.SEQUENCE, what) }
func (r *Reader) Set(what string) (*Reader, error)      { return r.Element(cbasn1.SET, what) }

// RawElement returns the next full element (tag, length and contents) of any type.
func (r *Reader) RawElement(what string) ([]byte, cbasn1.Tag, error) {
	var elem cryptobyte.String
	var tag cbasn1.Tag
	if !r.s.ReadAnyASN1Element(&elem, &tag) {
		return nil, 0, malformed(what)
	}
	return []byte(elem), tag, nil
}

// RawElementWithTag returns the next full element, which must carry tag.
func (r *Reader) RawElementWithTag(tag cbasn1.Tag, what string) ([]byte, error) {
	if !r.s.PeekASN1Tag(tag) {
		return nil, malformed("expected " + what)
	}
	var elem cryptobyte.String
	if !r.s.ReadASN1Element(&elem, tag) {
		return nil, malformed(what)
	}
	return []byte(elem), nil
}

// Any returns the tag and contents of the next element.
func (r *Reader) Any(what string) (cbasn1.Tag, []byte, error) {
	var inner cryptobyte.String
	var tag cbasn1.Tag
	if !r.s.ReadAnyASN1(&inner, &tag) {
		return 0, nil, malformed(what)
	}
	return tag, []byte(inner), nil
}

func (r *Reader) OID(what string) (asn1.ObjectIdentifier, error) {
	if !r.s.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER) {
		return nil, malformed("expected " + what)
	}
	var oid asn1.ObjectIdentifier
	if !r.s.ReadASN1ObjectIdentifier(&oid) {
		return nil, malformed(what)
	}
	return oid, nil
}

func (r *Reader) Integer(what string) (*big.Int, error) {
	if !r.s.PeekASN1Tag(cbasn1.INTEGER) {
		return nil, malformed("expected " + what)
	}
	n := new(big.Int)
	if !r.s.ReadASN1Integer(n) {
		return nil, malformed(what)
	}
	return n, nil
}

func (r *Reader) Int64(what string) (int64, error) {
	if !r.s.PeekASN1Tag(cbasn1.INTEGER) {
		return 0, malformed("expected " + what)
	}
	var n int64
	if !r.s.ReadASN1Integer(&n) {
		return 0, malformed(what)
	}
	return n, nil
}

func (r *Reader) Enum(what string) (int, error) {
	if !r.s.PeekASN1Tag(cbasn1.ENUM) {
		return 0, malformed("expected " + what)
	}
	var n int
	if !r.s.ReadASN1Enum(&n) {
		return 0, malformed(what)
	}
	return n, nil
}

func (r *Reader) OctetString(what string) ([]byte, error) {
	if !r.s.PeekASN1Tag(cbasn1.OCTET_STRING) {
		return nil, malformed("expected " + what)
	}
	var out []byte
	if !r.s.ReadASN1Bytes(&out, cbasn1.OCTET_STRING) {
		return nil, malformed(what)
	}
	return out, nil
}

// BitString reads a BIT STRING that must not have unused bits.
func (r *Reader) BitString(what string) ([]byte, error) {
	if !r.s.PeekASN1Tag(cbasn1.BIT_STRING) {
		return nil, malformed("expected " + what)
	}
	var out []byte
	if !r.s.ReadASN1BitStringAsBytes(&out) {
		return nil, malformed(what)
	}
	return out, nil
}

func (r *Reader) Boolean(what string) (bool, error) {
	if !r.s.PeekASN1Tag(cbasn1.BOOLEAN) {
		return false, malformed("expected " + what)
	}
	var v bool
	if !r.s.ReadASN1Boolean(&v) {
		return false, malformed(what)
	}
	return v, nil
}

func (r *Reader) Null(what string) error {
	inner, err := r.Element(cbasn1.NULL, what)
	if err != nil {
		return err
	}
	return inner.Finish()
}

func (r *Reader) GeneralizedTime(what string) (time.Time, error) {
	if !r.s.PeekASN1Tag(cbasn1.GeneralizedTime) {
		return time.Time{}, malformed("expected " + what)
	}
	var t time.Time
	if !r.s.ReadASN1GeneralizedTime(&t) {
		return time.Time{}, malformed(what)
	}
	return t, nil
}

// String reads any of the character string types used in X.501 names.
func (r *Reader) String(what string) (string, cbasn1.Tag, error) {
	tag, contents, err := r.Any(what)
	if err != nil {
		return "", 0, err
	}
	switch tag {
	case cbasn1.UTF8String, cbasn1.PrintableString, cbasn1.IA5String, cbasn1.T61String:
		return string(contents), tag, nil
	}
	return "", 0, malformed(what + ": unsupported string type")
}
