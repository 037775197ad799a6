package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"moneymarket/core/events"
)

// ErrDSNRequired is returned when no database DSN was configured.
var ErrDSNRequired = errors.New("eventlog: dsn must be configured")

const defaultQueryLimit = 100

// Entry is a decoded event log row.
type Entry struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Market     string            `json:"market,omitempty"`
	Account    string            `json:"account,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Type     string
	Market   string
	Account  string
	AfterSeq uint64
	Limit    int
}

// Log appends committed events to a SQL table. It satisfies events.Emitter;
// write failures are logged because emitters cannot return errors.
type Log struct {
	db     *gorm.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

var _ events.Emitter = (*Log)(nil)

// Dialector chooses the gorm driver for dsn. Postgres URLs and key/value
// strings select postgres; anything else is treated as a sqlite path or DSN.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return postgres.Open(trimmed), nil
	}
	return sqlite.Open(trimmed), nil
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Log, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("eventlog: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Log{db: db, now: time.Now, logger: slog.Default()}, nil
}

// SetLogger configures where write failures are reported.
func (l *Log) SetLogger(logger *slog.Logger) {
	if l == nil || logger == nil {
		return
	}
	l.logger = logger
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	if err := l.Append(context.Background(), evt); err != nil {
		l.logger.Error("eventlog append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt and returns once the row is written.
func (l *Log) Append(ctx context.Context, evt events.Event) error {
	record := toRecord(evt)
	attrs, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("eventlog: encode attributes: %w", err)
	}
	row := EventRow{
		ID:         uuid.New(),
		Type:       record.Type,
		Market:     record.Attributes["market"],
		Account:    record.Attributes["account"],
		Attributes: string(attrs),
		CreatedAt:  l.now().UTC(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

// Query returns entries in commit order.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	tx := l.db.WithContext(ctx).Model(&EventRow{}).Where("seq > ?", filter.AfterSeq)
	if kind := strings.TrimSpace(filter.Type); kind != "" {
		tx = tx.Where("type = ?", kind)
	}
	if market := strings.TrimSpace(filter.Market); market != "" {
		tx = tx.Where("market = ?", market)
	}
	if account := strings.TrimSpace(filter.Account); account != "" {
		tx = tx.Where("account = ?", account)
	}
	var rows []EventRow
	if err := tx.Order("seq asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeRow(row EventRow) (Entry, error) {
	attrs := map[string]string{}
	if row.Attributes != "" {
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return Entry{}, fmt.Errorf("eventlog: decode row %d: %w", row.Seq, err)
		}
	}
	return Entry{
		Seq:        row.Seq,
		ID:         row.ID.String(),
		Type:       row.Type,
		Market:     row.Market,
		Account:    row.Account,
		Attributes: attrs,
		RecordedAt: row.CreatedAt,
	}, nil
}

func toRecord(evt events.Event) *events.Record {
	if recordable, ok := evt.(events.Recordable); ok {
		if record := recordable.Record(); record != nil {
			if record.Attributes == nil {
				record.Attributes = map[string]string{}
			}
			return record
		}
	}
	return &events.Record{Type: evt.EventType(), Attributes: map[string]string{}}
}
