// Package postgres keeps notes in a PostgreSQL table through gorm and
// announces committed changes with LISTEN/NOTIFY through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aretw0/notesync/pkg/core"
)

// DefaultChannel is the NOTIFY channel the change trigger publishes on.
const DefaultChannel = "notesync_changes"

// noteRow is the table layout: one row per note, blocks as JSON.
type noteRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	OwnerID   string    `gorm:"size:255;not null;index:idx_notes_owner_updated,priority:1"`
	Title     string    `gorm:"not null;default:''"`
	Blocks    string    `gorm:"type:jsonb;not null;default:'[]'"`
	Revision  int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_notes_owner_updated,priority:2,sort:desc"`
}

func (noteRow) TableName() string { return "notes" }

func fromRecord(rec core.NoteRecord) (noteRow, error) {
	blocks := rec.Blocks
	if blocks == nil {
		blocks = []core.Block{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return noteRow{}, core.NewError("encode", rec.ID, core.ErrValidation, err)
	}
	return noteRow{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Title:     rec.Title,
		Blocks:    string(data),
		Revision:  rec.Revision,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (r noteRow) record() (core.NoteRecord, error) {
	var blocks []core.Block
	if r.Blocks != "" {
		if err := json.Unmarshal([]byte(r.Blocks), &blocks); err != nil {
			return core.NoteRecord{}, core.NewError("decode", r.ID, core.ErrValidation, err)
		}
	}
	return core.NoteRecord{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Title:     r.Title,
		Blocks:    blocks,
		Revision:  r.Revision,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Config holds the store configuration.
type Config struct {
	DSN     string
	Channel string
	Logger  *slog.Logger
	// SQLLog enables gorm's statement log.
	SQLLog bool
}

// Store implements core.Store on a gorm connection.
type Store struct {
	db      *gorm.DB
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects to cfg.DSN.
func Open(cfg Config) (*Store, error) {
	level := logger.Silent
	if cfg.SQLLog {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewStore(db, cfg), nil
}

// NewStore wraps an existing gorm connection.
func NewStore(db *gorm.DB, cfg Config) *Store {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: db, channel: cfg.Channel, logger: cfg.Logger, now: time.Now}
}

// Migrate creates the notes table and the trigger that NOTIFYs on every change.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&noteRow{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, stmt := range triggerSQL(s.channel) {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install change trigger: %w", err)
		}
	}
	s.logger.Info("database migrated", "channel", s.channel)
	return nil
}

// triggerSQL publishes kind, id, owner and revision of every committed row
// change on channel.
func triggerSQL(channel string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notesync_notify() RETURNS trigger AS $$
DECLARE r RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN r := OLD; ELSE r := NEW; END IF;
	PERFORM pg_notify('%s', json_build_object(
		'kind', lower(TG_OP),
		'note_id', r.id,
		'owner_id', r.owner_id,
		'revision', r.revision)::text);
	RETURN r;
END;
$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS notesync_notify ON notes`,
		`CREATE TRIGGER notesync_notify AFTER INSERT OR UPDATE OR DELETE ON notes
	FOR EACH ROW EXECUTE FUNCTION notesync_notify()`,
	}
}

func (s *Store) List(ctx context.Context, owner string) ([]core.NoteRecord, error) {
	var rows []noteRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("list", "", err)
	}
	out := make([]core.NoteRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			s.logger.Warn("skipping undecodable note", "note", r.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, owner, id string) (core.NoteRecord, error) {
	var row noteRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, owner).
		First(&row).Error
	if err != nil {
		return core.NoteRecord{}, classify("get", id, err)
	}
	return row.record()
}

func (s *Store) Insert(ctx context.Context, owner string, seed core.Seed) (core.NoteRecord, error) {
	now := s.now().UTC()
	rec := core.NoteRecord{
		ID:        ksuid.New().String(),
		OwnerID:   owner,
		Title:     seed.Title,
		Blocks:    slices.Clone(seed.Blocks),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row, err := fromRecord(rec)
	if err != nil {
		return core.NoteRecord{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.NoteRecord{}, classify("insert", rec.ID, err)
	}
	return rec, nil
}

// Update locks the owner's row, applies patch and bumps the revision in one
// transaction. A row the owner does not have yields ErrNotFound.
func (s *Store) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	var out core.NoteRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row noteRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND owner_id = ?", id, owner).
			First(&row).Error
		if err != nil {
			return err
		}
		rec, err := row.record()
		if err != nil {
			return err
		}
		rec = patch.Apply(rec)
		rec.Revision++
		rec.UpdatedAt = s.now().UTC()

		next, err := fromRecord(rec)
		if err != nil {
			return err
		}
		res := tx.Model(&noteRow{}).
			Where("id = ? AND owner_id = ?", id, owner).
			Updates(map[string]any{
				"title":      next.Title,
				"blocks":     next.Blocks,
				"revision":   next.Revision,
				"updated_at": next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		out = rec
		return nil
	})
	if err != nil {
		return core.NoteRecord{}, classify("update", id, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, owner, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, owner).
		Delete(&noteRow{})
	if res.Error != nil {
		return classify("delete", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return core.NewError("delete", id, core.ErrNotFound, nil)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func classify(op, id string, err error) error {
	switch {
	case core.KindOf(err) != nil:
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return core.NewError(op, id, core.ErrNotFound, err)
	default:
		return core.NewError(op, id, core.ErrTransport, err)
	}
}

var _ core.Store = (*Store)(nil)
