package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"go.uber.org/zap"
)

// Directory layout under the base path.
const (
	accountsDir     = "Accounts"
	keyIndexDir     = "KeyIndex"
	ordersDir       = "Orders"
	noncesDir       = "Nonces"
	certificatesDir = "Certificates"
	thumbprintsDir  = "Thumbprints"
	caDir           = "CA"
	crlDir          = "CRL"
	policyDir       = "Policy"

	accountFile   = "account.json"
	orderFile     = "order.json"
	latestCRLFile = "latest.crl"
	domainsFile   = "domains.json"
	suffixesFile  = "suffixes.json"
	apiKeysFile   = "api_keys.json"
)

// Ids, tokens, serials and thumbprints become path elements, so only
// URL-safe base64 and hex characters are accepted.
var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStorage keeps every record as a file under a base path. Writes go through
// a temp file that is synced and renamed into place, so a cancelled or failed
// save never leaves a torn record behind.
type FileStorage struct {
	base  string
	locks sync.Map // path -> *sync.Mutex
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates the directory layout under base.
func NewFileStorage(base string) (*FileStorage, error) {
	for _, dir := range []string{accountsDir, keyIndexDir, ordersDir, noncesDir, certificatesDir, thumbprintsDir, caDir, crlDir, policyDir} {
		if err := os.MkdirAll(filepath.Join(base, dir), 0o750); err != nil {
			return nil, fmt.Errorf("storage: failed to create %s: %w", dir, err)
		}
	}
	logger.Info("FileStorage initialized", zap.String("path", base))
	return &FileStorage{base: base}, nil
}

func (s *FileStorage) Close() error { return nil }

func (s *FileStorage) lock(key string) func() {
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *FileStorage) path(elem ...string) string {
	return filepath.Join(append([]string{s.base}, elem...)...)
}

func checkName(kind, name string) error {
	if !safeName.MatchString(name) {
		return fmt.Errorf("storage: invalid %s %q", kind, name)
	}
	return nil
}

// writeFileAtomic replaces path with data.
func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func writeJSONAtomic(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ctx, path, data)
}

// readJSON decodes path into v. It reports false when the file does not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// --- ACME Account ---

func (s *FileStorage) CreateAccount(ctx context.Context, acc *model.Account) error {
	if err := checkName("account id", acc.ID); err != nil {
		return err
	}
	if err := checkName("key thumbprint", acc.KeyThumbprint); err != nil {
		return err
	}
	unlock := s.lock("account/" + acc.ID)
	defer unlock()

	path := s.path(accountsDir, acc.ID, accountFile)
	if exists(path) {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, acc.ID)
	}
	// The key index entry is claimed with O_EXCL so two registrations of the
	// same key cannot both succeed.
	indexPath := s.path(keyIndexDir, acc.KeyThumbprint)
	f, err := os.OpenFile(indexPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: account key %s", ErrAlreadyExists, acc.KeyThumbprint)
	}
	if err != nil {
		return fmt.Errorf("storage: failed to claim account key: %w", err)
	}
	_, werr := f.WriteString(acc.ID)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(indexPath)
		return fmt.Errorf("storage: failed to write account key index: %w", errors.Join(werr, cerr))
	}

	acc.Version = 1
	if err := writeJSONAtomic(ctx, path, acc); err != nil {
		acc.Version = 0
		os.Remove(indexPath)
		return fmt.Errorf("storage: failed to save account %s: %w", acc.ID, err)
	}
	logger.Debug("Account created", zap.String("accountID", acc.ID))
	return nil
}

func (s *FileStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if !safeName.MatchString(id) {
		return nil, nil
	}
	var acc model.Account
	found, err := readJSON(s.path(accountsDir, id, accountFile), &acc)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read account %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &acc, nil
}

func (s *FileStorage) GetAccountByThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	if !safeName.MatchString(thumbprint) {
		return nil, nil
	}
	id, err := os.ReadFile(s.path(keyIndexDir, thumbprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read account key index: %w", err)
	}
	return s.GetAccount(ctx, string(id))
}

func (s *FileStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	if err := checkName("account id", acc.ID); err != nil {
		return err
	}
	unlock := s.lock("account/" + acc.ID)
	defer unlock()

	path := s.path(accountsDir, acc.ID, accountFile)
	var current model.Account
	found, err := readJSON(path, &current)
	if err != nil {
		return fmt.Errorf("storage: failed to read account %s: %w", acc.ID, err)
	}
	if !found {
		return fmt.Errorf("%w: account %s", ErrNotFound, acc.ID)
	}
	if current.Version != acc.Version {
		return fmt.Errorf("%w: account %s has version %d, caller holds %d", ErrConcurrency, acc.ID, current.Version, acc.Version)
	}

	next := *acc
	next.Version++
	if err := writeJSONAtomic(ctx, path, &next); err != nil {
		return fmt.Errorf("storage: failed to save account %s: %w", acc.ID, err)
	}
	acc.Version = next.Version
	logger.Debug("Account saved", zap.String("accountID", acc.ID), zap.Uint64("version", acc.Version))
	return nil
}

// --- ACME Order ---

func (s *FileStorage) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := checkName("order id", order.ID); err != nil {
		return err
	}
	unlock := s.lock("order/" + order.ID)
	defer unlock()

	path := s.path(ordersDir, order.ID, orderFile)
	if exists(path) {
		return fmt.Errorf("%w: order %s", ErrAlreadyExists, order.ID)
	}
	order.Version = 1
	if err := writeJSONAtomic(ctx, path, order); err != nil {
		order.Version = 0
		return fmt.Errorf("storage: failed to save order %s: %w", order.ID, err)
	}
	logger.Debug("Order created", zap.String("orderID", order.ID))
	return nil
}

func (s *FileStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	if !safeName.MatchString(id) {
		return nil, nil
	}
	var order model.Order
	found, err := readJSON(s.path(ordersDir, id, orderFile), &order)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read order %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &order, nil
}

func (s *FileStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	if err := checkName("order id", order.ID); err != nil {
		return err
	}
	unlock := s.lock("order/" + order.ID)
	defer unlock()

	path := s.path(ordersDir, order.ID, orderFile)
	var current model.Order
	found, err := readJSON(path, &current)
	if err != nil {
		return fmt.Errorf("storage: failed to read order %s: %w", order.ID, err)
	}
	if !found {
		return fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	if current.Version != order.Version {
		return fmt.Errorf("%w: order %s has version %d, caller holds %d", ErrConcurrency, order.ID, current.Version, order.Version)
	}

	next := *order
	next.Version++
	if err := writeJSONAtomic(ctx, path, &next); err != nil {
		return fmt.Errorf("storage: failed to save order %s: %w", order.ID, err)
	}
	order.Version = next.Version
	logger.Debug("Order saved", zap.String("orderID", order.ID), zap.String("status", order.Status))
	return nil
}

// listOrders walks the order directory and keeps the orders accepted by keep.
func (s *FileStorage) listOrders(ctx context.Context, keep func(*model.Order) bool) ([]*model.Order, error) {
	entries, err := os.ReadDir(s.path(ordersDir))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list orders: %w", err)
	}
	orders := make([]*model.Order, 0)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		order, err := s.GetOrder(ctx, entry.Name())
		if err != nil {
			logger.Warn("Skipping unreadable order", zap.String("orderID", entry.Name()), zap.Error(err))
			continue
		}
		if order != nil && keep(order) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *FileStorage) ListOrdersByAccount(ctx context.Context, accountID string) ([]*model.Order, error) {
	return s.listOrders(ctx, func(o *model.Order) bool { return o.AccountID == accountID })
}

func (s *FileStorage) ListValidatableOrders(ctx context.Context) ([]*model.Order, error) {
	return s.listOrders(ctx, (*model.Order).HasProcessingChallenge)
}

func (s *FileStorage) ListFinalizableOrders(ctx context.Context) ([]*model.Order, error) {
	return s.listOrders(ctx, (*model.Order).IsFinalizable)
}

// --- ACME Nonce ---

// Nonce files hold two RFC 3339 timestamps: issued and expires.
func (s *FileStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	if err := checkName("nonce", nonce.Value); err != nil {
		return err
	}
	content := nonce.IssuedAt.UTC().Format(time.RFC3339Nano) + "\n" + nonce.ExpiresAt.UTC().Format(time.RFC3339Nano) + "\n"
	if err := writeFileAtomic(ctx, s.path(noncesDir, nonce.Value), []byte(content)); err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

func parseNonceFile(value string, data []byte) (*model.Nonce, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	var stamps []time.Time
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, line)
		if err != nil {
			return nil, err
		}
		stamps = append(stamps, t)
	}
	if len(stamps) != 2 {
		return nil, errors.New("nonce file must hold issued and expiry timestamps")
	}
	return &model.Nonce{Value: value, IssuedAt: stamps[0], ExpiresAt: stamps[1]}, nil
}

// ConsumeNonce relies on os.Remove being atomic: of several concurrent callers
// only one can remove the file.
func (s *FileStorage) ConsumeNonce(ctx context.Context, value string) (*model.Nonce, error) {
	if !safeName.MatchString(value) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(noncesDir, value)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read nonce: %w", err)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	nonce, err := parseNonceFile(value, data)
	if err != nil {
		logger.Warn("Discarding unreadable nonce", zap.Error(err))
		return nil, nil
	}
	if !time.Now().Before(nonce.ExpiresAt) {
		return nil, nil
	}
	logger.Debug("Nonce consumed", zap.String("nonce", value))
	return nonce, nil
}

func (s *FileStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(s.path(noncesDir))
	if err != nil {
		return 0, fmt.Errorf("storage: failed to list nonces: %w", err)
	}
	now := time.Now()
	var deleted int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		path := s.path(noncesDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		nonce, err := parseNonceFile(name, data)
		if err == nil && now.Before(nonce.ExpiresAt) {
			continue
		}
		if os.Remove(path) == nil {
			deleted++
		}
	}
	if deleted > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", deleted))
	}
	return deleted, nil
}

// --- Certificate ledger ---

func (s *FileStorage) SaveCertificate(ctx context.Context, item *model.CertificateItem) error {
	if err := checkName("serial number", item.SerialNumber); err != nil {
		return err
	}
	if err := checkName("thumbprint", item.Thumbprint); err != nil {
		return err
	}
	unlock := s.lock("cert/" + item.SerialNumber)
	defer unlock()

	path := s.path(certificatesDir, item.SerialNumber+".json")
	if exists(path) {
		return fmt.Errorf("%w: certificate %s", ErrAlreadyExists, item.SerialNumber)
	}
	if err := writeFileAtomic(ctx, s.path(thumbprintsDir, item.Thumbprint), []byte(item.SerialNumber)); err != nil {
		return fmt.Errorf("storage: failed to index certificate %s: %w", item.SerialNumber, err)
	}
	if err := writeJSONAtomic(ctx, path, item); err != nil {
		return fmt.Errorf("storage: failed to save certificate %s: %w", item.SerialNumber, err)
	}
	logger.Debug("Certificate saved", zap.String("serialNumber", item.SerialNumber))
	return nil
}

func (s *FileStorage) GetCertificate(ctx context.Context, serialNumber string) (*model.CertificateItem, error) {
	if !safeName.MatchString(serialNumber) {
		return nil, nil
	}
	var item model.CertificateItem
	found, err := readJSON(s.path(certificatesDir, serialNumber+".json"), &item)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read certificate %s: %w", serialNumber, err)
	}
	if !found {
		return nil, nil
	}
	return &item, nil
}

func (s *FileStorage) GetCertificateByThumbprint(ctx context.Context, thumbprint string) (*model.CertificateItem, error) {
	if !safeName.MatchString(thumbprint) {
		return nil, nil
	}
	serial, err := os.ReadFile(s.path(thumbprintsDir, thumbprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read thumbprint index: %w", err)
	}
	return s.GetCertificate(ctx, string(serial))
}

func (s *FileStorage) allCertificates(ctx context.Context) ([]*model.CertificateItem, error) {
	entries, err := os.ReadDir(s.path(certificatesDir))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list certificates: %w", err)
	}
	items := make([]*model.CertificateItem, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		serial, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		item, err := s.GetCertificate(ctx, serial)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].NotBefore.Equal(items[j].NotBefore) {
			return items[i].SerialNumber < items[j].SerialNumber
		}
		return items[i].NotBefore.Before(items[j].NotBefore)
	})
	return items, nil
}

// ListCertificates returns one 1-based page, oldest first, and the total count.
func (s *FileStorage) ListCertificates(ctx context.Context, page, pageSize int) ([]*model.CertificateItem, int, error) {
	items, err := s.allCertificates(ctx)
	if err != nil {
		return nil, 0, err
	}
	start, end := paginate(len(items), page, pageSize)
	return items[start:end], len(items), nil
}

func (s *FileStorage) RevokeCertificate(ctx context.Context, serialNumber string, reason int, at time.Time) (bool, error) {
	if !safeName.MatchString(serialNumber) {
		return false, nil
	}
	unlock := s.lock("cert/" + serialNumber)
	defer unlock()

	item, err := s.GetCertificate(ctx, serialNumber)
	if err != nil || item == nil {
		return false, err
	}
	item.Revoke(reason, at)
	if err := writeJSONAtomic(ctx, s.path(certificatesDir, serialNumber+".json"), item); err != nil {
		return false, fmt.Errorf("storage: failed to revoke certificate %s: %w", serialNumber, err)
	}
	logger.Info("Certificate revoked", zap.String("serialNumber", serialNumber), zap.Int("reason", reason))
	return true, nil
}

func (s *FileStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateItem, error) {
	items, err := s.allCertificates(ctx)
	if err != nil {
		return nil, err
	}
	revoked := make([]*model.CertificateItem, 0)
	for _, item := range items {
		if item.IsRevoked() {
			revoked = append(revoked, item)
		}
	}
	return revoked, nil
}

// --- CA material ---

func (s *FileStorage) saveCAFile(ctx context.Context, name, ext string, data []byte) error {
	if err := checkName("CA name", name); err != nil {
		return err
	}
	if err := writeFileAtomic(ctx, s.path(caDir, name+ext), data); err != nil {
		return fmt.Errorf("storage: failed to save %s%s: %w", name, ext, err)
	}
	return nil
}

func (s *FileStorage) readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func (s *FileStorage) SaveCAKey(ctx context.Context, name string, keyPEM []byte) error {
	return s.saveCAFile(ctx, name, ".key", keyPEM)
}

func (s *FileStorage) GetCAKey(ctx context.Context, name string) ([]byte, error) {
	if err := checkName("CA name", name); err != nil {
		return nil, err
	}
	return s.readOptional(s.path(caDir, name+".key"))
}

func (s *FileStorage) SaveCACertificate(ctx context.Context, name string, certPEM []byte) error {
	return s.saveCAFile(ctx, name, ".crt", certPEM)
}

func (s *FileStorage) GetCACertificate(ctx context.Context, name string) ([]byte, error) {
	if err := checkName("CA name", name); err != nil {
		return nil, err
	}
	return s.readOptional(s.path(caDir, name+".crt"))
}

func (s *FileStorage) SaveCRL(ctx context.Context, crlDER []byte) error {
	if err := writeFileAtomic(ctx, s.path(crlDir, latestCRLFile), crlDER); err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	logger.Debug("CRL saved")
	return nil
}

func (s *FileStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	return s.readOptional(s.path(crlDir, latestCRLFile))
}

// --- Policy ---

// updateList applies fn to a sorted string list file.
func (s *FileStorage) updateList(ctx context.Context, file string, fn func(map[string]bool)) error {
	unlock := s.lock("policy/" + file)
	defer unlock()

	var list []string
	path := s.path(policyDir, file)
	if _, err := readJSON(path, &list); err != nil {
		return fmt.Errorf("storage: failed to read %s: %w", file, err)
	}
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	fn(set)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return writeJSONAtomic(ctx, path, out)
}

func (s *FileStorage) readList(file string) ([]string, error) {
	list := make([]string, 0)
	if _, err := readJSON(s.path(policyDir, file), &list); err != nil {
		return nil, fmt.Errorf("storage: failed to read %s: %w", file, err)
	}
	return list, nil
}

func (s *FileStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	norm := normalizeDomain(domain)
	if norm == "" {
		return errors.New("storage: allowed domain cannot be empty")
	}
	return s.updateList(ctx, domainsFile, func(set map[string]bool) { set[norm] = true })
}

func (s *FileStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	norm := normalizeDomain(domain)
	if norm == "" {
		return errors.New("storage: domain to delete cannot be empty")
	}
	return s.updateList(ctx, domainsFile, func(set map[string]bool) { delete(set, norm) })
}

func (s *FileStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return s.readList(domainsFile)
}

func (s *FileStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	norm := normalizeSuffix(suffix)
	if norm == "" {
		return errors.New("storage: allowed suffix cannot be empty")
	}
	return s.updateList(ctx, suffixesFile, func(set map[string]bool) { set[norm] = true })
}

func (s *FileStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	norm := normalizeSuffix(suffix)
	if norm == "" {
		return errors.New("storage: suffix to delete cannot be empty")
	}
	return s.updateList(ctx, suffixesFile, func(set map[string]bool) { delete(set, norm) })
}

func (s *FileStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return s.readList(suffixesFile)
}

func (s *FileStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	norm := normalizeDomain(domain)
	if norm == "" {
		return false, errors.New("domain cannot be empty")
	}
	domains, err := s.readList(domainsFile)
	if err != nil {
		return false, err
	}
	for _, d := range domains {
		if d == norm {
			return true, nil
		}
	}
	suffixes, err := s.readList(suffixesFile)
	if err != nil {
		return false, err
	}
	return matchesSuffix(norm, suffixes), nil
}

// --- API keys ---

func (s *FileStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	unlock := s.lock("apikeys")
	defer unlock()

	keys := make(map[string][]string)
	path := s.path(apiKeysFile)
	if _, err := readJSON(path, &keys); err != nil {
		return fmt.Errorf("storage: failed to read API keys: %w", err)
	}
	keys[apiKey] = roles
	if err := writeJSONAtomic(ctx, path, keys); err != nil {
		return fmt.Errorf("storage: failed to save API key: %w", err)
	}
	logger.Debug("API key saved/updated")
	return nil
}

func (s *FileStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	keys := make(map[string][]string)
	if _, err := readJSON(s.path(apiKeysFile), &keys); err != nil {
		return nil, fmt.Errorf("storage: failed to read API keys: %w", err)
	}
	roles, ok := keys[apiKey]
	if !ok {
		return nil, nil
	}
	return roles, nil
}
