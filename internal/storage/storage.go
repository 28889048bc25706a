package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "storage"))
}

// SetLogger replaces the package logger. cmd/pkifoundryd calls it once the
// process logger has been built.
func SetLogger(l *zap.Logger) {
	logger = l.With(zap.String("package", "storage"))
}

var (
	// ErrNotFound is returned by Save and Revoke operations when the record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists is returned by Create operations when the id (or account key) is taken.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrConcurrency signals that the stored version no longer matches the caller's copy.
	ErrConcurrency = errors.New("storage: concurrent modification detected")
)

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the persistence contract shared by the ACME front end, the CA
// engine and the background workers. Get methods return (nil, nil) when the
// record is absent.
//
// Accounts and orders use optimistic concurrency: Save compares the caller's
// Version with the stored one, writes only on a match and increments Version
// in place. A mismatch yields ErrConcurrency and leaves the stored record untouched.
type Storage interface {
	// ACME accounts
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByThumbprint(ctx context.Context, thumbprint string) (*model.Account, error)
	SaveAccount(ctx context.Context, acc *model.Account) error

	// ACME orders, stored together with their authorizations and challenges
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SaveOrder(ctx context.Context, order *model.Order) error
	ListOrdersByAccount(ctx context.Context, accountID string) ([]*model.Order, error)
	ListValidatableOrders(ctx context.Context) ([]*model.Order, error)
	ListFinalizableOrders(ctx context.Context) ([]*model.Order, error)

	// ACME nonces. ConsumeNonce removes the nonce atomically and returns nil
	// when it was absent, already consumed or expired.
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, value string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Certificate ledger
	SaveCertificate(ctx context.Context, item *model.CertificateItem) error
	GetCertificate(ctx context.Context, serialNumber string) (*model.CertificateItem, error)
	GetCertificateByThumbprint(ctx context.Context, thumbprint string) (*model.CertificateItem, error)
	ListCertificates(ctx context.Context, page, pageSize int) ([]*model.CertificateItem, int, error)
	RevokeCertificate(ctx context.Context, serialNumber string, reason int, at time.Time) (bool, error)
	ListRevokedCertificates(ctx context.Context) ([]*model.CertificateItem, error)

	// CA material, keyed by root name ("rsa-root", "ecdsa-root")
	SaveCAKey(ctx context.Context, name string, keyPEM []byte) error
	GetCAKey(ctx context.Context, name string) ([]byte, error)
	SaveCACertificate(ctx context.Context, name string, certPEM []byte) error
	GetCACertificate(ctx context.Context, name string) ([]byte, error)
	SaveCRL(ctx context.Context, crlDER []byte) error
	GetLatestCRL(ctx context.Context) ([]byte, error)

	// Domain policy
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error) // exact match OR suffix match
	AddAllowedSuffix(ctx context.Context, suffix string) error
	DeleteAllowedSuffix(ctx context.Context, suffix string) error
	ListAllowedSuffixes(ctx context.Context) ([]string, error)

	// API keys
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error // UPSERT
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	Close() error
}

// PostgresOptions carries the connection parameters for the postgres backend.
type PostgresOptions struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     int
	SSLMode  string
	Cert     string
	Key      string
	RootCert string
}

// NewStorage is the factory function.
func NewStorage(storageType string, dataDir string, pg PostgresOptions) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "", "file":
		return NewFileStorage(filepath.Join(dataDir, "store"))
	case "postgres":
		return NewPostgreSQLStorage(pg)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// normalizeSuffix lowercases and strips a leading dot.
func normalizeSuffix(suffix string) string {
	return strings.TrimPrefix(normalizeDomain(suffix), ".")
}

// matchesSuffix reports whether domain is the suffix itself or ends with ".suffix".
func matchesSuffix(domain string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

// paginate returns the bounds of a 1-based page.
func paginate(total, page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
