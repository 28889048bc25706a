package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockadesystems/pkifoundry/internal/metrics"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
	"github.com/blockadesystems/pkifoundry/internal/validation"
)

const maxSaveAttempts = 3

// ValidationWorker validates the challenges clients have responded to.
type ValidationWorker struct {
	store    storage.Storage
	factory  *validation.Factory
	now      func() time.Time
	parallel int
}

// NewValidationWorker creates the worker. parallel bounds the number of
// orders validated at once; zero means unbounded.
func NewValidationWorker(store storage.Storage, factory *validation.Factory, parallel int) *ValidationWorker {
	return &ValidationWorker{store: store, factory: factory, now: time.Now, parallel: parallel}
}

func (w *ValidationWorker) Name() string { return "validation" }

// Run validates every validatable order concurrently and waits for all of
// them. A failure on one order does not stop the others.
func (w *ValidationWorker) Run(ctx context.Context) error {
	orders, err := w.store.ListValidatableOrders(ctx)
	if err != nil {
		return fmt.Errorf("worker: listing validatable orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	var g errgroup.Group
	if w.parallel > 0 {
		g.SetLimit(w.parallel)
	}
	for _, order := range orders {
		order := order
		g.Go(func() error {
			if err := w.ValidateOrder(ctx, order); err != nil {
				return fmt.Errorf("order %s: %w", order.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type outcome struct {
	challengeID string
	valid       bool
	problem     *model.ProblemDetails
}

// ValidateOrder runs the first processing challenge of every open
// authorization of order and persists the results.
func (w *ValidationWorker) ValidateOrder(ctx context.Context, order *model.Order) error {
	l := logger.With(zap.String("order_id", order.ID), zap.String("account_id", order.AccountID))

	acct, err := w.store.GetAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}
	if acct == nil {
		l.Warn("Order references a missing account, marking invalid")
		return w.persist(ctx, order, func(o *model.Order, now time.Time) {
			o.Status = model.StatusInvalid
			o.Error = model.NewProblem("accountDoesNotExist", fmt.Sprintf("account %s does not exist", o.AccountID), 400)
			o.LastModifiedAt = now
		})
	}

	results := make(map[string]outcome)
	for _, authz := range order.Authorizations {
		if authz.IsFinal() || !authz.Expires.After(w.now()) {
			continue
		}
		ch := authz.FirstProcessingChallenge()
		if ch == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		results[authz.ID] = w.validate(ctx, l, authz, ch, acct)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.persist(ctx, order, func(o *model.Order, now time.Time) {
		for _, authz := range o.Authorizations {
			if authz.ExpireIfStale(now) {
				l.Info("Authorization expired", zap.String("authz_id", authz.ID))
				continue
			}
			res, ok := results[authz.ID]
			if !ok {
				continue
			}
			ch := authz.Challenge(res.challengeID)
			if ch == nil || ch.Status != model.StatusProcessing {
				continue
			}
			if res.valid {
				_ = ch.MarkValid(now)
			} else {
				_ = ch.MarkInvalid(res.problem)
			}
		}
		o.Refresh(now)
		o.LastModifiedAt = now
	})
}

func (w *ValidationWorker) validate(ctx context.Context, l *zap.Logger, authz *model.Authorization, ch *model.Challenge, acct *model.Account) outcome {
	res := outcome{challengeID: ch.ID}
	l = l.With(zap.String("authz_id", authz.ID), zap.String("challenge_id", ch.ID), zap.String("type", ch.Type), zap.String("identifier", authz.Identifier.Value))

	v, err := w.factory.Get(ch.Type)
	if err != nil {
		res.problem = model.NewProblem("unsupportedIdentifier", err.Error(), 400)
		metrics.ChallengeValidations.WithLabelValues(ch.Type, "invalid").Inc()
		return res
	}
	ok, err := v.Validate(ctx, validation.Input{Domain: authz.Identifier.Value, Challenge: ch, Account: acct})
	switch {
	case ok:
		res.valid = true
		l.Info("Challenge validated")
	case err != nil:
		var verr *validation.Error
		if errors.As(err, &verr) {
			res.problem = verr.Problem()
		} else {
			res.problem = model.NewProblem("serverInternal", err.Error(), 500)
		}
		l.Info("Challenge failed", zap.String("problem", res.problem.Type), zap.String("detail", res.problem.Detail))
	default:
		res.problem = model.NewProblem("incorrectResponse", "challenge response did not match", 403)
		l.Info("Challenge failed")
	}
	result := "invalid"
	if res.valid {
		result = "valid"
	}
	metrics.ChallengeValidations.WithLabelValues(ch.Type, result).Inc()
	return res
}

// persist applies mutate to order and saves it, reloading and reapplying on
// version conflicts.
func (w *ValidationWorker) persist(ctx context.Context, order *model.Order, mutate func(*model.Order, time.Time)) error {
	return saveOrder(ctx, w.store, order, w.now, func(o *model.Order, now time.Time) bool {
		mutate(o, now)
		return true
	})
}

// saveOrder is the shared CAS loop. apply returns false when the reloaded
// order no longer needs the change.
func saveOrder(ctx context.Context, store storage.Storage, order *model.Order, now func() time.Time, apply func(*model.Order, time.Time) bool) error {
	current := order
	for attempt := 1; ; attempt++ {
		if !apply(current, now().UTC()) {
			return nil
		}
		err := store.SaveOrder(ctx, current)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConcurrency) || attempt >= maxSaveAttempts {
			return err
		}
		reloaded, err := store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if reloaded == nil {
			return storage.ErrNotFound
		}
		current = reloaded
	}
}
