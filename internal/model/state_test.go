package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authzWithStatus(status string) *Authorization {
	return &Authorization{
		ID:         "authz-" + status,
		Identifier: Identifier{Type: IdentifierDNS, Value: status + ".example.com"},
		Status:     status,
		Expires:    time.Now().Add(time.Hour),
	}
}

func TestDeriveOrderStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		authzs []string
		want   string
	}{
		{"all valid is ready", []string{StatusValid, StatusValid}, StatusReady},
		{"any invalid is invalid", []string{StatusValid, StatusInvalid}, StatusInvalid},
		{"expired is invalid", []string{StatusExpired, StatusValid}, StatusInvalid},
		{"revoked is invalid", []string{StatusPending, StatusRevoked}, StatusInvalid},
		{"outstanding work stays pending", []string{StatusPending, StatusValid}, StatusPending},
		{"processing authz stays pending", []string{StatusProcessing, StatusValid}, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Status: StatusPending, Expires: now.Add(time.Hour)}
			for _, s := range tt.authzs {
				o.Authorizations = append(o.Authorizations, authzWithStatus(s))
			}
			assert.Equal(t, tt.want, DeriveOrderStatus(o, now))
		})
	}
}

func TestDeriveOrderStatus_FinalAndExpired(t *testing.T) {
	now := time.Now()

	valid := &Order{Status: StatusValid, Authorizations: []*Authorization{authzWithStatus(StatusInvalid)}}
	assert.Equal(t, StatusValid, DeriveOrderStatus(valid, now))

	processing := &Order{Status: StatusProcessing, CSR: "MIIB", Expires: now.Add(time.Hour)}
	assert.Equal(t, StatusProcessing, DeriveOrderStatus(processing, now))

	expired := &Order{Status: StatusPending, Expires: now.Add(-time.Second), Authorizations: []*Authorization{authzWithStatus(StatusPending)}}
	assert.Equal(t, StatusInvalid, DeriveOrderStatus(expired, now))
}

func TestChallengeTransitions_ForwardOnly(t *testing.T) {
	all := []string{StatusPending, StatusProcessing, StatusValid, StatusInvalid}

	for _, final := range []string{StatusValid, StatusInvalid} {
		for _, to := range all {
			ch := &Challenge{ID: "c1", Status: final}
			err := ch.Transition(to)
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s must be rejected", final, to)
			assert.Equal(t, final, ch.Status)
		}
	}

	ch := &Challenge{ID: "c2", Status: StatusPending}
	assert.ErrorIs(t, ch.Transition(StatusValid), ErrIllegalTransition)
	require.NoError(t, ch.Transition(StatusProcessing))
	assert.ErrorIs(t, ch.Transition(StatusPending), ErrIllegalTransition)
	require.NoError(t, ch.MarkValid(time.Now()))
	assert.NotNil(t, ch.Validated)
	assert.ErrorIs(t, ch.MarkInvalid(nil), ErrIllegalTransition)
	assert.Equal(t, StatusValid, ch.Status)
}

func TestAuthorizationRefresh_RecordsChallengeError(t *testing.T) {
	problem := NewProblem("incorrectResponse", "wrong key authorization", 403)
	a := &Authorization{
		Status:  StatusPending,
		Expires: time.Now().Add(time.Hour),
		Challenges: []*Challenge{
			{ID: "c1", Type: ChallengeHTTP01, Status: StatusProcessing},
			{ID: "c2", Type: ChallengeDNS01, Status: StatusPending},
		},
	}

	a.Refresh()
	assert.Equal(t, StatusProcessing, a.Status)

	require.NoError(t, a.Challenges[0].MarkInvalid(problem))
	a.Refresh()
	assert.Equal(t, StatusInvalid, a.Status)
	assert.Equal(t, problem, a.Error)
}

func TestAuthorizationExpireIfStale(t *testing.T) {
	now := time.Now()
	a := &Authorization{
		Status:  StatusProcessing,
		Expires: now.Add(-time.Minute),
		Challenges: []*Challenge{
			{ID: "c1", Status: StatusProcessing},
			{ID: "c2", Status: StatusPending},
		},
	}
	assert.True(t, a.ExpireIfStale(now))
	assert.Equal(t, StatusExpired, a.Status)
	assert.Empty(t, a.Challenges)

	assert.False(t, a.ExpireIfStale(now), "already final")

	fresh := &Authorization{Status: StatusPending, Expires: now.Add(time.Minute)}
	assert.False(t, fresh.ExpireIfStale(now))
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestOrderRefresh_CopiesAuthorizationError(t *testing.T) {
	now := time.Now()
	problem := NewProblem("dns", "no TXT record found", 400)
	o := &Order{
		Status:  StatusPending,
		Expires: now.Add(time.Hour),
		Authorizations: []*Authorization{
			{ID: "a1", Status: StatusPending, Expires: now.Add(time.Hour), Challenges: []*Challenge{{ID: "c1", Status: StatusInvalid, Error: problem}}},
			{ID: "a2", Status: StatusValid, Expires: now.Add(time.Hour)},
		},
	}
	o.Refresh(now)
	assert.Equal(t, StatusInvalid, o.Status)
	assert.Equal(t, problem, o.Error)
}

func TestOrderWorkSelectors(t *testing.T) {
	o := &Order{
		Status: StatusPending,
		Authorizations: []*Authorization{
			{Status: StatusPending, Challenges: []*Challenge{{Status: StatusPending}, {Status: StatusProcessing}}},
		},
	}
	assert.True(t, o.HasProcessingChallenge())
	assert.False(t, o.IsFinalizable())

	o.Authorizations[0].Challenges[1].Status = StatusValid
	assert.False(t, o.HasProcessingChallenge())

	o.Status = StatusProcessing
	o.CSR = "MIIB"
	assert.True(t, o.IsFinalizable())
}

func TestCertificateItem_RevokedInvariant(t *testing.T) {
	item := &CertificateItem{SerialNumber: "ABC123"}
	assert.False(t, item.IsRevoked())

	item.Revoke(1, time.Now())
	assert.True(t, item.IsRevoked())
	require.NotNil(t, item.RevocationDate)

	item.Revoke(4, time.Now())
	assert.Equal(t, 4, *item.RevocationReason)
}

func TestOrderJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validated := now.Add(-time.Minute)
	o := &Order{
		ID:          "order-1",
		AccountID:   "acct-1",
		Status:      StatusReady,
		Expires:     now.Add(time.Hour),
		Identifiers: []Identifier{{Type: IdentifierDNS, Value: "example.com"}},
		Authorizations: []*Authorization{{
			ID:         "authz-1",
			Identifier: Identifier{Type: IdentifierDNS, Value: "example.com"},
			Status:     StatusValid,
			Expires:    now.Add(time.Hour),
			Challenges: []*Challenge{{ID: "chall-1", Type: ChallengeHTTP01, Status: StatusValid, Token: "tok", Validated: &validated}},
		}},
		Version:   7,
		CreatedAt: now,
	}

	raw, err := json.Marshal(o)
	require.NoError(t, err)
	var decoded Order
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, o, &decoded)
}
