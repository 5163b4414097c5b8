package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// eventRow is the persisted shape: discriminator column plus JSON payload.
type eventRow struct {
	Seq       int64          `gorm:"primaryKey;autoIncrement"`
	Type      string         `gorm:"size:64;index"`
	Timestamp int64          `gorm:"index"`
	Payload   datatypes.JSON `gorm:"type:json"`
}

func (eventRow) TableName() string { return "ledger_events" }

// Store is the durable ledger on sqlite. Appends serialize under one mutex so
// sequence numbers stay dense even with concurrent writers.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

var _ Ledger = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Append(ctx context.Context, ts int64, evt Event) (Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Record{}, fmt.Errorf("encode ledger event: %w", err)
	}
	row := eventRow{Type: evt.EventType(), Timestamp: ts, Payload: datatypes.JSON(payload)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, err
	}
	return Record{Seq: row.Seq, Timestamp: ts, Event: evt}, nil
}

func (s *Store) Events(ctx context.Context) ([]Record, error) {
	return s.query(ctx, s.db.WithContext(ctx))
}

func (s *Store) EventsFrom(ctx context.Context, ts int64) ([]Record, error) {
	return s.query(ctx, s.db.WithContext(ctx).Where("timestamp >= ?", ts))
}

func (s *Store) query(_ context.Context, tx *gorm.DB) ([]Record, error) {
	var rows []eventRow
	if err := tx.Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		evt, err := decodeEvent(row.Type, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("ledger seq %d: %w", row.Seq, err)
		}
		records = append(records, Record{Seq: row.Seq, Timestamp: row.Timestamp, Event: evt})
	}
	return records, nil
}
