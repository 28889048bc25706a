// Package audit keeps an append-only ledger of issuance, revocation and
// enrollment events in a SQL database through gorm.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "audit"))
}

// Event kinds.
const (
	KindIssued     = "issued"
	KindRevoked    = "revoked"
	KindEnrolled   = "est-enrolled"
	KindReenrolled = "est-reenrolled"
)

// Event describes one ledger entry.
type Event struct {
	Kind         string
	SerialNumber string
	Subject      string
	Issuer       string
	Source       string // "acme", "est", "management"
	AccountID    string
	OrderID      string
	Reason       *int
	Detail       string
}

// Recorder receives ledger events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Entry is the persisted form of an Event.
type Entry struct {
	gorm.Model
	Kind         string `gorm:"not null;index"`
	SerialNumber string `gorm:"index"`
	Subject      string
	Issuer       string
	Source       string `gorm:"not null"`
	AccountID    string
	OrderID      string
	Reason       *int
	Detail       string    `gorm:"type:text"`
	OccurredAt   time.Time `gorm:"not null"`
}

// TableName pins the table name independent of gorm's naming strategy.
func (Entry) TableName() string { return "audit_entries" }

// Ledger is the gorm backed Recorder.
type Ledger struct {
	conn *gorm.DB
}

var _ Recorder = (*Ledger)(nil)

// New opens the ledger for dbType ("sqlite", "postgres") or returns a Nop
// recorder for "none".
func New(dbType, dsn string) (Recorder, error) {
	if strings.EqualFold(dbType, "none") {
		logger.Info("Audit ledger disabled")
		return Nop{}, nil
	}
	return Open(dbType, dsn)
}

// Open connects to the database and migrates the ledger table.
func Open(dbType, dsn string) (*Ledger, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn + "?_journal_mode=WAL&_busy_timeout=5000")
	default:
		return nil, fmt.Errorf("audit: unsupported database type: %s", dbType)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open %s ledger: %w", dbType, err)
	}
	if err := conn.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: failed to migrate ledger: %w", err)
	}
	logger.Info("Audit ledger ready", zap.String("type", dbType))
	return &Ledger{conn: conn}, nil
}

// Record appends an event.
func (l *Ledger) Record(ctx context.Context, event Event) error {
	entry := Entry{
		Kind:         event.Kind,
		SerialNumber: event.SerialNumber,
		Subject:      event.Subject,
		Issuer:       event.Issuer,
		Source:       event.Source,
		AccountID:    event.AccountID,
		OrderID:      event.OrderID,
		Reason:       event.Reason,
		Detail:       event.Detail,
		OccurredAt:   time.Now().UTC(),
	}
	if err := l.conn.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit: failed to record %s event: %w", event.Kind, err)
	}
	return nil
}

// History returns the entries for a serial number, oldest first.
func (l *Ledger) History(ctx context.Context, serialNumber string) ([]Entry, error) {
	var entries []Entry
	err := l.conn.WithContext(ctx).
		Where("serial_number = ?", serialNumber).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: failed to load history for %s: %w", serialNumber, err)
	}
	return entries, nil
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
