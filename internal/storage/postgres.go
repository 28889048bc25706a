package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Array
	"go.uber.org/zap"
)

const pqUniqueViolation = "23505"

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// ConnectionString renders the options as a lib/pq keyword/value DSN.
func (o PostgresOptions) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		o.Host, o.User, o.Password, o.Name, o.Port, o.SSLMode,
	)
	if o.Cert != "" {
		connStr += " sslcert=" + o.Cert
	}
	if o.Key != "" {
		connStr += " sslkey=" + o.Key
	}
	if o.RootCert != "" {
		connStr += " sslrootcert=" + o.RootCert
	}
	return connStr
}

// NewPostgreSQLStorage opens the pool described by opts and ensures the schema exists.
func NewPostgreSQLStorage(opts PostgresOptions) (*PostgreSQLStorage, error) {
	return OpenPostgreSQLStorage(opts.ConnectionString())
}

// OpenPostgreSQLStorage opens a pool from a DSN (keyword/value or URL form).
func OpenPostgreSQLStorage(dsn string) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_material ( name TEXT PRIMARY KEY, key_data BYTEA, cert_data BYTEA );`,
		`CREATE TABLE IF NOT EXISTS crls ( id SERIAL PRIMARY KEY, crl_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, key_thumbprint TEXT NOT NULL UNIQUE, status TEXT NOT NULL, document JSONB NOT NULL, version BIGINT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, needs_validation BOOLEAN NOT NULL DEFAULT false, finalizable BOOLEAN NOT NULL DEFAULT false, document JSONB NOT NULL, version BIGINT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_needs_validation ON acme_orders (needs_validation) WHERE needs_validation;`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_finalizable ON acme_orders (finalizable) WHERE finalizable;`,
		`CREATE TABLE IF NOT EXISTS certificates ( serial_number TEXT PRIMARY KEY, thumbprint TEXT NOT NULL UNIQUE, subject TEXT NOT NULL, issuer TEXT NOT NULL, not_before TIMESTAMP WITH TIME ZONE NOT NULL, not_after TIMESTAMP WITH TIME ZONE NOT NULL, certificate_pem TEXT NOT NULL, chain_pem TEXT, account_id TEXT, order_id TEXT, revocation_reason INTEGER, revoked_at TIMESTAMP WITH TIME ZONE );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_revoked ON certificates (revoked_at) WHERE revocation_reason IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains (domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_suffixes (suffix TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement (Table/Index Phase)", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema (Table/Index Phase): %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
        END $$;`
	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("detail", pqErr.Detail),
				zap.String("constraint", pqErr.Constraint),
			)
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// casResult turns a zero-row CAS update into ErrNotFound or ErrConcurrency.
func casResult(ctx context.Context, q Querier, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to check %s %s: %w", table, id, err)
	}
	return fmt.Errorf("%w: %s %s", ErrConcurrency, table, id)
}

// --- ACME Account ---

func (s *PostgreSQLStorage) CreateAccount(ctx context.Context, acc *model.Account) error {
	next := *acc
	next.Version = 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("storage: failed to encode account: %w", err)
	}
	query := `INSERT INTO acme_accounts (id, key_thumbprint, status, document, version, created_at, last_modified_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, query, next.ID, next.KeyThumbprint, next.Status, doc, next.Version, next.CreatedAt, next.LastModifiedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, acc.ID)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to create account %s: %w", acc.ID, err)
	}
	acc.Version = next.Version
	logger.Debug("Account created", zap.String("accountID", acc.ID))
	return nil
}

func (s *PostgreSQLStorage) scanAccount(row *sql.Row) (*model.Account, error) {
	var doc []byte
	var version uint64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account: %w", err)
	}
	var acc model.Account
	if err := json.Unmarshal(doc, &acc); err != nil {
		return nil, fmt.Errorf("storage: failed to decode account: %w", err)
	}
	acc.Version = version
	return &acc, nil
}

func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `SELECT document, version FROM acme_accounts WHERE id = $1`, id))
}

func (s *PostgreSQLStorage) GetAccountByThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `SELECT document, version FROM acme_accounts WHERE key_thumbprint = $1`, thumbprint))
}

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	next := *acc
	next.Version++
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("storage: failed to encode account: %w", err)
	}
	query := `UPDATE acme_accounts SET status = $2, document = $3, version = $4, last_modified_at = $5
              WHERE id = $1 AND version = $6`
	res, err := s.db.ExecContext(ctx, query, acc.ID, next.Status, doc, next.Version, next.LastModifiedAt, acc.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to save account %s: %w", acc.ID, err)
	}
	if err := casResult(ctx, s.db, res, "acme_accounts", acc.ID); err != nil {
		return err
	}
	acc.Version = next.Version
	logger.Debug("Account saved", zap.String("accountID", acc.ID), zap.Uint64("version", acc.Version))
	return nil
}

// --- ACME Order ---

func (s *PostgreSQLStorage) CreateOrder(ctx context.Context, order *model.Order) error {
	next := *order
	next.Version = 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("storage: failed to encode order: %w", err)
	}
	query := `INSERT INTO acme_orders (id, account_id, status, needs_validation, finalizable, document, version, created_at, last_modified_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query, next.ID, next.AccountID, next.Status,
		next.HasProcessingChallenge(), next.IsFinalizable(), doc, next.Version, next.CreatedAt, next.LastModifiedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", ErrAlreadyExists, order.ID)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to create order %s: %w", order.ID, err)
	}
	order.Version = next.Version
	logger.Debug("Order created", zap.String("orderID", order.ID))
	return nil
}

func decodeOrder(doc []byte, version uint64) (*model.Order, error) {
	var order model.Order
	if err := json.Unmarshal(doc, &order); err != nil {
		return nil, fmt.Errorf("storage: failed to decode order: %w", err)
	}
	order.Version = version
	return &order, nil
}

func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var doc []byte
	var version uint64
	err := s.db.QueryRowContext(ctx, `SELECT document, version FROM acme_orders WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get order %s: %w", id, err)
	}
	return decodeOrder(doc, version)
}

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	next := *order
	next.Version++
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("storage: failed to encode order: %w", err)
	}
	query := `UPDATE acme_orders SET status = $2, needs_validation = $3, finalizable = $4, document = $5, version = $6, last_modified_at = $7
              WHERE id = $1 AND version = $8`
	res, err := s.db.ExecContext(ctx, query, order.ID, next.Status, next.HasProcessingChallenge(), next.IsFinalizable(),
		doc, next.Version, next.LastModifiedAt, order.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to save order %s: %w", order.ID, err)
	}
	if err := casResult(ctx, s.db, res, "acme_orders", order.ID); err != nil {
		return err
	}
	order.Version = next.Version
	logger.Debug("Order saved", zap.String("orderID", order.ID), zap.String("status", order.Status))
	return nil
}

func (s *PostgreSQLStorage) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders: %w", err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		var doc []byte
		var version uint64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		order, err := decodeOrder(doc, version)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

func (s *PostgreSQLStorage) ListOrdersByAccount(ctx context.Context, accountID string) ([]*model.Order, error) {
	return s.queryOrders(ctx, `SELECT document, version FROM acme_orders WHERE account_id = $1 ORDER BY created_at ASC`, accountID)
}

func (s *PostgreSQLStorage) ListValidatableOrders(ctx context.Context) ([]*model.Order, error) {
	return s.queryOrders(ctx, `SELECT document, version FROM acme_orders WHERE needs_validation ORDER BY created_at ASC`)
}

func (s *PostgreSQLStorage) ListFinalizableOrders(ctx context.Context) ([]*model.Order, error) {
	return s.queryOrders(ctx, `SELECT document, version FROM acme_orders WHERE finalizable ORDER BY created_at ASC`)
}

// --- ACME Nonce ---

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt); err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

// ConsumeNonce deletes and returns the nonce in a single statement.
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, value string) (*model.Nonce, error) {
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := s.db.QueryRowContext(ctx, query, value).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	logger.Debug("Nonce consumed", zap.String("nonce", nonce.Value))
	return &nonce, nil
}

func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acme_nonces WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Certificate ledger ---

const certificateColumns = `serial_number, thumbprint, subject, issuer, not_before, not_after, certificate_pem, chain_pem, account_id, order_id, revocation_reason, revoked_at`

func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, item *model.CertificateItem) error {
	query := `INSERT INTO certificates (` + certificateColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		item.SerialNumber, item.Thumbprint, item.Subject, item.Issuer, item.NotBefore, item.NotAfter,
		item.CertificatePEM, item.ChainPEM, item.AccountID, item.OrderID, item.RevocationReason, item.RevocationDate)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: certificate %s", ErrAlreadyExists, item.SerialNumber)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate %s: %w", item.SerialNumber, err)
	}
	logger.Debug("Certificate saved", zap.String("serialNumber", item.SerialNumber))
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCertificate(row rowScanner) (*model.CertificateItem, error) {
	var item model.CertificateItem
	var chain, accountID, orderID sql.NullString
	var reason sql.NullInt64
	var revokedAt sql.NullTime
	err := row.Scan(&item.SerialNumber, &item.Thumbprint, &item.Subject, &item.Issuer, &item.NotBefore, &item.NotAfter,
		&item.CertificatePEM, &chain, &accountID, &orderID, &reason, &revokedAt)
	if err != nil {
		return nil, err
	}
	item.ChainPEM = chain.String
	item.AccountID = accountID.String
	item.OrderID = orderID.String
	if reason.Valid {
		r := int(reason.Int64)
		item.RevocationReason = &r
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		item.RevocationDate = &t
	}
	return &item, nil
}

func (s *PostgreSQLStorage) getCertificateWhere(ctx context.Context, column, value string) (*model.CertificateItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE `+column+` = $1`, value)
	item, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get certificate by %s: %w", column, err)
	}
	return item, nil
}

func (s *PostgreSQLStorage) GetCertificate(ctx context.Context, serialNumber string) (*model.CertificateItem, error) {
	return s.getCertificateWhere(ctx, "serial_number", serialNumber)
}

func (s *PostgreSQLStorage) GetCertificateByThumbprint(ctx context.Context, thumbprint string) (*model.CertificateItem, error) {
	return s.getCertificateWhere(ctx, "thumbprint", thumbprint)
}

func (s *PostgreSQLStorage) queryCertificates(ctx context.Context, query string, args ...interface{}) ([]*model.CertificateItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query certificates: %w", err)
	}
	defer rows.Close()
	items := make([]*model.CertificateItem, 0)
	for rows.Next() {
		item, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate rows: %w", err)
	}
	return items, nil
}

func (s *PostgreSQLStorage) ListCertificates(ctx context.Context, page, pageSize int) ([]*model.CertificateItem, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: failed to count certificates: %w", err)
	}
	start, end := paginate(total, page, pageSize)
	items, err := s.queryCertificates(ctx,
		`SELECT `+certificateColumns+` FROM certificates ORDER BY not_before ASC, serial_number ASC LIMIT $1 OFFSET $2`,
		end-start, start)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgreSQLStorage) RevokeCertificate(ctx context.Context, serialNumber string, reason int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certificates SET revocation_reason = $2, revoked_at = $3 WHERE serial_number = $1`,
		serialNumber, reason, at.UTC())
	if err != nil {
		return false, fmt.Errorf("storage: failed to revoke certificate %s: %w", serialNumber, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		logger.Warn("Revocation affected 0 rows", zap.String("serialNumber", serialNumber))
		return false, nil
	}
	logger.Info("Certificate revoked", zap.String("serialNumber", serialNumber), zap.Int("reason", reason))
	return true, nil
}

func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateItem, error) {
	return s.queryCertificates(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE revocation_reason IS NOT NULL ORDER BY revoked_at ASC`)
}

// --- CA material ---

func (s *PostgreSQLStorage) SaveCAKey(ctx context.Context, name string, keyPEM []byte) error {
	query := `INSERT INTO ca_material (name, key_data) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET key_data = EXCLUDED.key_data`
	if _, err := s.db.ExecContext(ctx, query, name, keyPEM); err != nil {
		return fmt.Errorf("storage: failed to save CA private key %s: %w", name, err)
	}
	logger.Debug("CA private key saved", zap.String("name", name))
	return nil
}

func (s *PostgreSQLStorage) getCAColumn(ctx context.Context, column, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM ca_material WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get CA %s for %s: %w", column, name, err)
	}
	return data, nil
}

func (s *PostgreSQLStorage) GetCAKey(ctx context.Context, name string) ([]byte, error) {
	return s.getCAColumn(ctx, "key_data", name)
}

func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, name string, certPEM []byte) error {
	query := `INSERT INTO ca_material (name, cert_data) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	if _, err := s.db.ExecContext(ctx, query, name, certPEM); err != nil {
		return fmt.Errorf("storage: failed to save CA certificate %s: %w", name, err)
	}
	logger.Debug("CA certificate saved", zap.String("name", name))
	return nil
}

func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context, name string) ([]byte, error) {
	return s.getCAColumn(ctx, "cert_data", name)
}

func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, crlDER []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO crls (crl_data, created_at) VALUES ($1, NOW())`, crlDER); err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	logger.Debug("CRL saved")
	return nil
}

func (s *PostgreSQLStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	var crl []byte
	err := s.db.QueryRowContext(ctx, `SELECT crl_data FROM crls ORDER BY id DESC LIMIT 1`).Scan(&crl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get latest CRL: %w", err)
	}
	return crl, nil
}

// --- Policy ---

func (s *PostgreSQLStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	norm := normalizeDomain(domain)
	if norm == "" {
		return errors.New("storage: allowed domain cannot be empty")
	}
	query := `INSERT INTO policy_allowed_domains (domain, added_at) VALUES ($1, NOW()) ON CONFLICT (domain) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, norm); err != nil {
		return fmt.Errorf("storage: failed to add allowed domain '%s': %w", norm, err)
	}
	logger.Debug("Added/updated allowed domain", zap.String("domain", norm))
	return nil
}

func (s *PostgreSQLStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	norm := normalizeDomain(domain)
	if norm == "" {
		return errors.New("storage: domain to delete cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_domains WHERE domain = $1`, norm)
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed domain '%s': %w", norm, err)
	}
	rowsAffected, _ := res.RowsAffected()
	logger.Info("Attempted to delete allowed domain", zap.String("domain", norm), zap.Int64("rowsAffected", rowsAffected))
	return nil
}

func (s *PostgreSQLStorage) listStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query policy: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: failed to scan policy row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating policy rows: %w", err)
	}
	return out, nil
}

func (s *PostgreSQLStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT domain FROM policy_allowed_domains ORDER BY domain ASC`)
}

func (s *PostgreSQLStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	norm := normalizeSuffix(suffix)
	if norm == "" {
		return errors.New("storage: allowed suffix cannot be empty")
	}
	query := `INSERT INTO policy_allowed_suffixes (suffix, added_at) VALUES ($1, NOW()) ON CONFLICT (suffix) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, norm); err != nil {
		return fmt.Errorf("storage: failed to add allowed suffix '%s': %w", norm, err)
	}
	logger.Debug("Added/updated allowed suffix", zap.String("suffix", norm))
	return nil
}

func (s *PostgreSQLStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	norm := normalizeSuffix(suffix)
	if norm == "" {
		return errors.New("storage: suffix to delete cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_suffixes WHERE suffix = $1`, norm)
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed suffix '%s': %w", norm, err)
	}
	rowsAffected, _ := res.RowsAffected()
	logger.Info("Attempted to delete allowed suffix", zap.String("suffix", norm), zap.Int64("rowsAffected", rowsAffected))
	return nil
}

func (s *PostgreSQLStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT suffix FROM policy_allowed_suffixes ORDER BY suffix ASC`)
}

// IsDomainAllowed checks if a domain exactly matches an allowed domain OR is a subdomain of an allowed suffix.
func (s *PostgreSQLStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	norm := normalizeDomain(domain)
	if norm == "" {
		return false, errors.New("domain cannot be empty")
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policy_allowed_domains WHERE domain = $1 LIMIT 1`, norm).Scan(&one)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("storage: error checking exact domain match for '%s': %w", norm, err)
	}
	suffixes, err := s.ListAllowedSuffixes(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: failed to retrieve suffixes for domain check '%s': %w", norm, err)
	}
	return matchesSuffix(norm, suffixes), nil
}

// --- API keys ---

func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	if _, err := s.db.ExecContext(ctx, query, apiKey, pq.Array(roles)); err != nil {
		return fmt.Errorf("storage: failed to save API key: %w", err)
	}
	logger.Debug("API key saved/updated")
	return nil
}

func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	var roles []string
	err := s.db.QueryRowContext(ctx, `SELECT roles FROM api_keys WHERE api_key = $1`, apiKey).Scan(pq.Array(&roles))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get API key: %w", err)
	}
	return roles, nil
}
