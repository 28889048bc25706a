package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a status change would move a resource backwards.
var ErrIllegalTransition = errors.New("model: illegal status transition")

var challengeTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusValid, StatusInvalid},
}

// Transition moves the challenge forward. Valid and invalid are final.
func (c *Challenge) Transition(to string) error {
	for _, next := range challengeTransitions[c.Status] {
		if next == to {
			c.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: challenge %s cannot move from %q to %q", ErrIllegalTransition, c.ID, c.Status, to)
}

// MarkValid resolves a processing challenge successfully.
func (c *Challenge) MarkValid(at time.Time) error {
	if err := c.Transition(StatusValid); err != nil {
		return err
	}
	t := at.UTC()
	c.Validated = &t
	c.Error = nil
	return nil
}

// MarkInvalid resolves a processing challenge as failed.
func (c *Challenge) MarkInvalid(problem *ProblemDetails) error {
	if err := c.Transition(StatusInvalid); err != nil {
		return err
	}
	c.Error = problem
	return nil
}

// IsLive reports whether the challenge may still change state.
func (c *Challenge) IsLive() bool {
	return c.Status == StatusPending || c.Status == StatusProcessing
}

// IsFinal reports whether the authorization can no longer change.
func (a *Authorization) IsFinal() bool {
	switch a.Status {
	case StatusValid, StatusInvalid, StatusExpired, StatusDeactivated, StatusRevoked:
		return true
	}
	return false
}

// FirstProcessingChallenge returns the first challenge, in stored order, that
// the client has asked the server to validate.
func (a *Authorization) FirstProcessingChallenge() *Challenge {
	for _, ch := range a.Challenges {
		if ch.Status == StatusProcessing {
			return ch
		}
	}
	return nil
}

// Challenge finds a challenge by id.
func (a *Authorization) Challenge(id string) *Challenge {
	for _, ch := range a.Challenges {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

// ExpireIfStale expires an unresolved authorization once now is past its expiry
// and drops every challenge still in a live state. It reports whether the
// authorization was expired by this call.
func (a *Authorization) ExpireIfStale(now time.Time) bool {
	if a.IsFinal() || now.Before(a.Expires) {
		return false
	}
	a.Status = StatusExpired
	kept := a.Challenges[:0]
	for _, ch := range a.Challenges {
		if !ch.IsLive() {
			kept = append(kept, ch)
		}
	}
	a.Challenges = kept
	return true
}

// DeriveAuthorizationStatus computes the authorization status from its challenges.
// Final statuses are kept as they are.
func DeriveAuthorizationStatus(a *Authorization) string {
	if a.IsFinal() {
		return a.Status
	}
	processing := false
	var failed *Challenge
	for _, ch := range a.Challenges {
		switch ch.Status {
		case StatusValid:
			return StatusValid
		case StatusInvalid:
			if failed == nil {
				failed = ch
			}
		case StatusProcessing:
			processing = true
		}
	}
	if failed != nil {
		return StatusInvalid
	}
	if processing {
		return StatusProcessing
	}
	return StatusPending
}

// Refresh recomputes the authorization status and copies the failing
// challenge's error onto an authorization that just became invalid.
func (a *Authorization) Refresh() {
	status := DeriveAuthorizationStatus(a)
	if status == StatusInvalid && a.Status != StatusInvalid {
		for _, ch := range a.Challenges {
			if ch.Status == StatusInvalid {
				a.Error = ch.Error
				break
			}
		}
	}
	a.Status = status
}

// DeriveOrderStatus computes the order status from its authorizations.
// Valid and invalid orders are final, and an order already handed to the
// issuer stays processing until the issuance worker settles it.
func DeriveOrderStatus(o *Order, now time.Time) string {
	switch o.Status {
	case StatusValid, StatusInvalid:
		return o.Status
	case StatusProcessing:
		if o.CSR != "" {
			return StatusProcessing
		}
	}
	if !o.Expires.IsZero() && !now.Before(o.Expires) {
		return StatusInvalid
	}
	if len(o.Authorizations) == 0 {
		return StatusPending
	}
	allValid := true
	for _, a := range o.Authorizations {
		switch a.Status {
		case StatusInvalid, StatusExpired, StatusRevoked, StatusDeactivated:
			return StatusInvalid
		case StatusValid:
		default:
			allValid = false
		}
	}
	if allValid {
		return StatusReady
	}
	return StatusPending
}

// Refresh recomputes every authorization and then the order status. When the
// order turns invalid because of an authorization, that authorization's error
// is recorded on the order.
func (o *Order) Refresh(now time.Time) {
	for _, a := range o.Authorizations {
		a.Refresh()
	}
	status := DeriveOrderStatus(o, now)
	if status == StatusInvalid && o.Status != StatusInvalid && o.Error == nil {
		o.Error = orderFailure(o, now)
	}
	o.Status = status
}

func orderFailure(o *Order, now time.Time) *ProblemDetails {
	for _, a := range o.Authorizations {
		switch a.Status {
		case StatusInvalid:
			if a.Error != nil {
				return a.Error
			}
			return NewProblem("unauthorized", fmt.Sprintf("authorization for %s failed", a.Identifier.Value), 403)
		case StatusExpired, StatusRevoked, StatusDeactivated:
			return NewProblem("unauthorized", fmt.Sprintf("authorization for %s is %s", a.Identifier.Value, a.Status), 403)
		}
	}
	if !o.Expires.IsZero() && !now.Before(o.Expires) {
		return NewProblem("malformed", "order expired", 400)
	}
	return nil
}

// Authorization finds an authorization by id.
func (o *Order) Authorization(id string) *Authorization {
	for _, a := range o.Authorizations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// HasProcessingChallenge reports whether the validation worker has work for the order.
func (o *Order) HasProcessingChallenge() bool {
	if o.Status != StatusPending && o.Status != StatusProcessing {
		return false
	}
	for _, a := range o.Authorizations {
		if a.IsFinal() {
			continue
		}
		if a.FirstProcessingChallenge() != nil {
			return true
		}
	}
	return false
}

// IsFinalizable reports whether the issuance worker has work for the order.
func (o *Order) IsFinalizable() bool {
	return o.CSR != "" && (o.Status == StatusReady || o.Status == StatusProcessing)
}
