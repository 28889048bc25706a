package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// NonceJanitor deletes expired nonces.
type NonceJanitor struct {
	store storage.Storage
}

func NewNonceJanitor(store storage.Storage) *NonceJanitor {
	return &NonceJanitor{store: store}
}

func (j *NonceJanitor) Name() string { return "nonce-janitor" }

func (j *NonceJanitor) Run(ctx context.Context) error {
	n, err := j.store.DeleteExpiredNonces(ctx)
	if err != nil {
		return fmt.Errorf("worker: deleting expired nonces: %w", err)
	}
	if n > 0 {
		logger.Debug("Expired nonces deleted", zap.Int64("count", n))
	}
	return nil
}

// RevocationListPublisher regenerates and stores the CRL; *ca.Service implements it.
type RevocationListPublisher interface {
	PublishRevocationList(ctx context.Context) ([]byte, error)
}

// CRLPublisher keeps the stored CRL fresh.
type CRLPublisher struct {
	ca RevocationListPublisher
}

func NewCRLPublisher(ca RevocationListPublisher) *CRLPublisher {
	return &CRLPublisher{ca: ca}
}

func (p *CRLPublisher) Name() string { return "crl-publisher" }

func (p *CRLPublisher) Run(ctx context.Context) error {
	crl, err := p.ca.PublishRevocationList(ctx)
	if err != nil {
		return fmt.Errorf("worker: publishing CRL: %w", err)
	}
	logger.Debug("CRL published", zap.Int("bytes", len(crl)))
	return nil
}
