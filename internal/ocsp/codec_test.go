package ocsp

import (
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/pkifoundry/internal/der"
)

func sampleCertID(serial int64) CertID {
	return CertID{
		HashAlgorithm:  der.AlgorithmIdentifier{Algorithm: der.OIDSHA1, Parameters: der.NullParameters},
		IssuerNameHash: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		IssuerKeyHash:  []byte{20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		SerialNumber:   big.NewInt(serial),
	}
}

func assertCertIDEqual(t *testing.T, want, got CertID) {
	t.Helper()
	assert.True(t, want.HashAlgorithm.Algorithm.Equal(got.HashAlgorithm.Algorithm))
	assert.Equal(t, want.HashAlgorithm.Parameters, got.HashAlgorithm.Parameters)
	assert.Equal(t, want.IssuerNameHash, got.IssuerNameHash)
	assert.Equal(t, want.IssuerKeyHash, got.IssuerKeyHash)
	assert.Zero(t, want.SerialNumber.Cmp(got.SerialNumber))
}

func TestOCSPRequest_RoundTrip(t *testing.T) {
	nonce := der.Extension{ID: OIDNonce, Value: []byte{0x04, 0x04, 0xde, 0xad, 0xbe, 0xef}}
	requestor := []byte{0x82, 0x0b, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm'} // dNSName
	in := OCSPRequest{
		TBSRequest: TBSRequest{
			Version:       1,
			RequestorName: requestor,
			RequestList: []Request{
				{CertID: sampleCertID(0xABC123)},
				{CertID: sampleCertID(42), Extensions: []der.Extension{{ID: asn1.ObjectIdentifier{1, 2, 3}, Critical: true, Value: []byte{0x05, 0x00}}}},
			},
			Extensions: []der.Extension{nonce},
		},
	}

	encoded, err := der.Marshal(in)
	require.NoError(t, err)
	out, err := ParseRequest(encoded)
	require.NoError(t, err)

	assert.Equal(t, int64(1), out.TBSRequest.Version)
	assert.Equal(t, requestor, out.TBSRequest.RequestorName)
	require.Len(t, out.TBSRequest.RequestList, 2)
	assertCertIDEqual(t, in.TBSRequest.RequestList[0].CertID, out.TBSRequest.RequestList[0].CertID)
	assertCertIDEqual(t, in.TBSRequest.RequestList[1].CertID, out.TBSRequest.RequestList[1].CertID)
	assert.Equal(t, in.TBSRequest.RequestList[1].Extensions, out.TBSRequest.RequestList[1].Extensions)
	got, ok := out.Nonce()
	require.True(t, ok)
	assert.Equal(t, nonce, got)

	again, err := der.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestResponse_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(24 * time.Hour)
	reason := 1
	data := ResponseData{
		ResponderID: ResponderID{ByKey: []byte{9, 9, 9}},
		ProducedAt:  now,
		Responses: []SingleResponse{
			{CertID: sampleCertID(1), Status: Good, ThisUpdate: now, NextUpdate: &next},
			{CertID: sampleCertID(2), Status: Revoked, RevocationTime: now.Add(-time.Hour), RevocationReason: &reason, ThisUpdate: now},
			{CertID: sampleCertID(3), Status: Unknown, ThisUpdate: now},
		},
		Extensions: []der.Extension{{ID: OIDNonce, Value: []byte{0x04, 0x01, 0x07}}},
	}
	in := Response{
		Status: Successful,
		Basic: &BasicResponse{
			TBSResponseData:    data,
			SignatureAlgorithm: der.AlgorithmIdentifier{Algorithm: der.OIDECDSAWithSHA384},
			Signature:          []byte{0xAA, 0xBB},
			Certificates:       [][]byte{{0x30, 0x00}},
		},
	}

	encoded, err := der.Marshal(in)
	require.NoError(t, err)
	out, err := ParseResponse(encoded)
	require.NoError(t, err)

	assert.Equal(t, Successful, out.Status)
	require.NotNil(t, out.Basic)
	assert.Equal(t, []byte{0xAA, 0xBB}, out.Basic.Signature)
	assert.Equal(t, [][]byte{{0x30, 0x00}}, out.Basic.Certificates)

	gotData := out.Basic.TBSResponseData
	assert.Equal(t, []byte{9, 9, 9}, gotData.ResponderID.ByKey)
	assert.True(t, now.Equal(gotData.ProducedAt))
	assert.Equal(t, data.Extensions, gotData.Extensions)
	require.Len(t, gotData.Responses, 3)

	for i, want := range data.Responses {
		got := gotData.Responses[i]
		assertCertIDEqual(t, want.CertID, got.CertID)
		assert.Equal(t, want.Status, got.Status)
		assert.True(t, want.ThisUpdate.Equal(got.ThisUpdate))
	}
	require.NotNil(t, gotData.Responses[0].NextUpdate)
	assert.True(t, next.Equal(*gotData.Responses[0].NextUpdate))
	assert.True(t, now.Add(-time.Hour).Equal(gotData.Responses[1].RevocationTime))
	require.NotNil(t, gotData.Responses[1].RevocationReason)
	assert.Equal(t, 1, *gotData.Responses[1].RevocationReason)
	assert.Nil(t, gotData.Responses[2].NextUpdate)

	again, err := der.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestResponse_ResponderByName(t *testing.T) {
	name, err := der.Marshal(der.Name{{{Type: der.OIDCommonName, Value: "Responder"}}})
	require.NoError(t, err)
	in := Response{Status: Successful, Basic: &BasicResponse{
		TBSResponseData: ResponseData{
			ResponderID: ResponderID{ByName: name},
			ProducedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		SignatureAlgorithm: der.AlgorithmIdentifier{Algorithm: der.OIDSHA256WithRSA, Parameters: der.NullParameters},
		Signature:          []byte{1},
	}}
	encoded, err := der.Marshal(in)
	require.NoError(t, err)
	out, err := ParseResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, name, out.Basic.TBSResponseData.ResponderID.ByName)
	assert.Nil(t, out.Basic.TBSResponseData.ResponderID.ByKey)
}

func TestParseRequest_Malformed(t *testing.T) {
	inputs := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("not der"),
		"truncated": {0x30, 0x10, 0x30, 0x00},
		"no list":   {0x30, 0x04, 0x30, 0x02, 0x30, 0x00},
		"trailing":  {0x30, 0x04, 0x30, 0x02, 0x30, 0x00, 0x00},
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(in)
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestStatusOnly(t *testing.T) {
	for _, st := range []ResponseStatus{MalformedRequest, InternalError, TryLater, Unauthorized} {
		out, err := ParseResponse(statusOnly(st))
		require.NoError(t, err)
		assert.Equal(t, st, out.Status)
		assert.Nil(t, out.Basic)
	}
}
