// Package store keeps received files in a SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/sheerbytes/peerdrop/internal/transport"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned for an id the store does not hold.
var ErrNotFound = errors.New("file not found")

// File is one received file.
type File struct {
	TransferID string `gorm:"primaryKey"`
	FileName   string `gorm:"not null"`
	MimeType   string
	Size       int64
	Sender     string `gorm:"index"`
	Mode       string
	Data       []byte
	ReceivedAt time.Time `gorm:"index"`
}

// Metadata returns the transfer metadata of f.
func (f File) Metadata() transfer.Metadata {
	return transfer.Metadata{
		TransferID: f.TransferID,
		FileName:   f.FileName,
		MimeType:   f.MimeType,
		Size:       f.Size,
		Sender:     f.Sender,
		Mode:       transport.Mode(f.Mode),
		ReceivedAt: f.ReceivedAt,
	}
}

// Store persists completed transfers. It implements transfer.Persister.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&File{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Persist stores a fully received file.
func (s *Store) Persist(ctx context.Context, transferID string, data []byte, meta transfer.Metadata) error {
	received := meta.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	f := File{
		TransferID: transferID,
		FileName:   meta.FileName,
		MimeType:   meta.MimeType,
		Size:       int64(len(data)),
		Sender:     meta.Sender,
		Mode:       string(meta.Mode),
		Data:       data,
		ReceivedAt: received.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&f).Error; err != nil {
		return fmt.Errorf("persist %s: %w", transferID, err)
	}
	s.logger.Debug("file stored", "transfer_id", transferID, "file", f.FileName, "size", f.Size)
	return nil
}

// Get returns a stored file including its contents.
func (s *Store) Get(ctx context.Context, id string) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).Where("transfer_id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// List returns all stored files, newest first, without their contents.
func (s *Store) List(ctx context.Context) ([]File, error) {
	var files []File
	err := s.db.WithContext(ctx).
		Omit("data").
		Order("received_at desc").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Delete removes a stored file.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("transfer_id = ?", id).Delete(&File{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Export writes a stored file into dir and returns the path written.
// Existing files are never overwritten; a numeric suffix is added instead.
func (s *Store) Export(ctx context.Context, id, dir string) (string, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := safeName(f.FileName, f.TransferID)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := out.Write(f.Data); err != nil {
			out.Close()
			os.Remove(path)
			return "", err
		}
		if err := out.Close(); err != nil {
			return "", err
		}
		s.logger.Info("file exported", "transfer_id", id, "path", path)
		return path, nil
	}
}

// safeName strips directories from a sender-chosen name.
func safeName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return fallback
	}
	return name
}
