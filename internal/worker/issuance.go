package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// Issuer signs certificate requests; *ca.Service implements it.
type Issuer interface {
	SignCertificateRequest(ctx context.Context, req ca.Request) (*ca.Issued, error)
}

// IssuanceWorker turns finalized orders into certificates.
type IssuanceWorker struct {
	store    storage.Storage
	issuer   Issuer
	now      func() time.Time
	parallel int
}

func NewIssuanceWorker(store storage.Storage, issuer Issuer, parallel int) *IssuanceWorker {
	return &IssuanceWorker{store: store, issuer: issuer, now: time.Now, parallel: parallel}
}

func (w *IssuanceWorker) Name() string { return "issuance" }

func (w *IssuanceWorker) Run(ctx context.Context) error {
	orders, err := w.store.ListFinalizableOrders(ctx)
	if err != nil {
		return fmt.Errorf("worker: listing finalizable orders: %w", err)
	}
	var g errgroup.Group
	if w.parallel > 0 {
		g.SetLimit(w.parallel)
	}
	for _, order := range orders {
		order := order
		g.Go(func() error {
			if err := w.IssueOrder(ctx, order); err != nil {
				return fmt.Errorf("order %s: %w", order.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IssueOrder signs the order's CSR and records the certificate, or marks the
// order invalid when the CA refuses it.
func (w *IssuanceWorker) IssueOrder(ctx context.Context, order *model.Order) error {
	l := logger.With(zap.String("order_id", order.ID), zap.String("account_id", order.AccountID))

	var (
		issued  *ca.Issued
		problem *model.ProblemDetails
	)
	csrDER, err := base64.RawURLEncoding.DecodeString(order.CSR)
	if err != nil {
		problem = model.NewProblem("badCSR", "stored CSR is not base64url", 400)
	} else if csr, perr := ca.ParseCertificateRequest(csrDER); perr != nil {
		problem = model.NewProblem("badCSR", perr.Error(), 400)
	} else {
		issued, err = w.issuer.SignCertificateRequest(ctx, ca.Request{
			CSR:       csr,
			Source:    "acme",
			AccountID: order.AccountID,
			OrderID:   order.ID,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var reqErr *ca.RequestError
			if errors.As(err, &reqErr) {
				problem = model.NewProblem("badCSR", strings.Join(reqErr.Reasons, "; "), 400)
			} else {
				problem = model.NewProblem("serverInternal", "certificate issuance failed", 500)
				l.Error("Certificate issuance failed", zap.Error(err))
			}
		}
	}

	err = saveOrder(ctx, w.store, order, w.now, func(o *model.Order, now time.Time) bool {
		if o.Status == model.StatusValid || o.Status == model.StatusInvalid {
			return false
		}
		if problem != nil {
			o.Status = model.StatusInvalid
			o.Error = problem
		} else {
			o.Status = model.StatusValid
			o.CertificatePEM = string(issued.ChainPEM())
			o.CertificateSerial = issued.Item.SerialNumber
			o.Error = nil
		}
		o.LastModifiedAt = now
		return true
	})
	if err != nil {
		if issued != nil {
			l.Error("Certificate issued but the order could not be saved",
				zap.String("serial", issued.Item.SerialNumber), zap.Error(err))
		}
		return err
	}
	if problem != nil {
		l.Info("Order failed", zap.String("problem", problem.Type), zap.String("detail", problem.Detail))
	} else {
		l.Info("Order valid", zap.String("serial", issued.Item.SerialNumber))
	}
	return nil
}
