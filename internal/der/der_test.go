package der

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	serial, _ := new(big.Int).SetString("ABC123DEADBEEF", 16)

	w := NewWriter()
	w.Sequence(func(w *Writer) {
		w.Integer(serial)
		w.Enum(6)
		w.OctetString([]byte{1, 2, 3})
		w.GeneralizedTime(now)
		w.Explicit(2, func(w *Writer) { w.Boolean(true) })
		w.Null()
		w.OID(OIDSHA256)
	})
	raw, err := w.Bytes()
	require.NoError(t, err)

	seq, err := NewReader(raw).Sequence("test")
	require.NoError(t, err)

	gotSerial, err := seq.Integer("serial")
	require.NoError(t, err)
	assert.Equal(t, 0, serial.Cmp(gotSerial))

	gotEnum, err := seq.Enum("enum")
	require.NoError(t, err)
	assert.Equal(t, 6, gotEnum)

	gotOctets, err := seq.OctetString("octets")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, gotOctets)

	gotTime, err := seq.GeneralizedTime("time")
	require.NoError(t, err)
	assert.True(t, now.Equal(gotTime))

	tagged, present, err := seq.Optional(ContextConstructed(2), "tagged")
	require.NoError(t, err)
	require.True(t, present)
	b, err := tagged.Boolean("bool")
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, seq.Null("null"))
	oid, err := seq.OID("oid")
	require.NoError(t, err)
	assert.True(t, oid.Equal(OIDSHA256))
	assert.NoError(t, seq.Finish())
}

func TestReader_MalformedInputIsAnError(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x30},
		{0x30, 0x05, 0x02, 0x01},
		{0x04, 0x02, 0x01, 0x02},
		{0x30, 0x82, 0xff, 0xff, 0x00},
	}
	for _, in := range inputs {
		_, err := NewReader(in).Sequence("sequence")
		assert.ErrorIs(t, err, ErrMalformed, "input %x", in)
	}

	_, err := ParseCertificationRequest([]byte{0x30, 0x03, 0x02, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	// wrong tag must not be consumed
	r := NewReader([]byte{0x04, 0x01, 0x00})
	_, err = r.Integer("integer")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = r.OctetString("octets")
	assert.NoError(t, err)
}

func TestNameRoundTrip(t *testing.T) {
	name := Name{
		{{Type: OIDCountry, Value: "US", Tag: cbasn1.PrintableString}},
		{{Type: OIDOrganization, Value: "PKI Foundry", Tag: cbasn1.UTF8String}},
		{{Type: OIDCommonName, Value: "device-01.example.com", Tag: cbasn1.UTF8String}},
	}
	raw, err := Marshal(name)
	require.NoError(t, err)

	decoded, err := ReadName(NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, name, decoded)
	assert.Equal(t, "device-01.example.com", decoded.CommonName())

	var parsed pkix.RDNSequence
	_, err = asn1.Unmarshal(raw, &parsed)
	require.NoError(t, err)
	assert.Len(t, parsed, 3)
}

func TestExtensionRoundTrip(t *testing.T) {
	for _, ext := range []Extension{
		{ID: OIDACMEIdentifierExtension, Critical: true, Value: []byte{0x04, 0x02, 0xAA, 0xBB}},
		{ID: OIDSubjectAltName, Value: []byte{0x30, 0x00}},
	} {
		raw, err := Marshal(ext)
		require.NoError(t, err)
		decoded, err := ReadExtension(NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, ext, decoded)
	}
}

func TestCertificationRequestMatchesStdlib(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	for name, key := range map[string]any{"ecdsa": ecKey, "rsa": rsaKey} {
		t.Run(name, func(t *testing.T) {
			csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
				Subject:  pkix.Name{CommonName: "www.example.com", Organization: []string{"Example"}},
				DNSNames: []string{"www.example.com", "example.com"},
			}, key)
			require.NoError(t, err)

			csr, err := ParseCertificationRequest(csrDER)
			require.NoError(t, err)
			assert.Equal(t, "www.example.com", csr.Info.Subject.CommonName())

			exts, err := csr.Info.ExtensionRequest()
			require.NoError(t, err)
			require.Len(t, exts, 1)
			assert.True(t, exts[0].ID.Equal(OIDSubjectAltName))

			reencoded, err := Marshal(csr)
			require.NoError(t, err)
			assert.Equal(t, csrDER, reencoded)

			again, err := ParseCertificationRequest(reencoded)
			require.NoError(t, err)
			assert.Equal(t, csr, again)
		})
	}
}

func TestSubjectPublicKeyInfoMatchesStdlib(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	spkiDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	spki, err := ParseSubjectPublicKeyInfo(spkiDER)
	require.NoError(t, err)
	assert.True(t, spki.Algorithm.Algorithm.Equal(OIDECPublicKey))
	ecdhKey, err := key.PublicKey.ECDH()
	require.NoError(t, err)
	assert.Equal(t, ecdhKey.Bytes(), spki.PublicKey)

	raw, err := Marshal(spki)
	require.NoError(t, err)
	assert.Equal(t, spkiDER, raw)
}
