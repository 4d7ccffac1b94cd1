package sqldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"codecanvas/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type roomRecord struct {
	RoomID       string `gorm:"primaryKey;column:room_id"`
	Name         string `gorm:"size:50;not null;default:'Untitled Project'"`
	CreatorID    string `gorm:"column:creator_id;index"`
	IsPublic     bool   `gorm:"not null;default:true"`
	HTML         string `gorm:"type:text;not null;default:''"`
	CSS          string `gorm:"type:text;not null;default:''"`
	JS           string `gorm:"type:text;not null;default:''"`
	LastModified time.Time
	CreatedAt    time.Time
}

func (roomRecord) TableName() string { return "rooms" }

var migrateSchema = func(db *gorm.DB) error { return db.AutoMigrate(&roomRecord{}) }

// Open connects with gorm and migrates the rooms table. For sqlite, dsn is a
// file path; it runs on the pure-Go modernc driver in WAL mode.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := migrateSchema(db); err != nil {
		return nil, fmt.Errorf("migrate rooms: %w", err)
	}
	return db, nil
}

type RoomRepo struct {
	DB *gorm.DB
}

func (r *RoomRepo) Get(ctx context.Context, roomID string) (*models.RoomDocument, error) {
	var rec roomRecord
	err := r.DB.WithContext(ctx).First(&rec, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.RoomDocument{
		RoomID:       rec.RoomID,
		Name:         rec.Name,
		CreatorID:    rec.CreatorID,
		IsPublic:     rec.IsPublic,
		Code:         models.Document{HTML: rec.HTML, CSS: rec.CSS, JS: rec.JS},
		LastModified: rec.LastModified.UTC(),
		CreatedAt:    rec.CreatedAt.UTC(),
	}, nil
}

// Upsert replaces the room's code. Name, creator and visibility are only
// written when the row is new.
func (r *RoomRepo) Upsert(ctx context.Context, doc models.RoomDocument) error {
	rec := roomRecord{
		RoomID:       doc.RoomID,
		Name:         models.DefaultRoomName,
		IsPublic:     true,
		HTML:         doc.Code.HTML,
		CSS:          doc.Code.CSS,
		JS:           doc.Code.JS,
		LastModified: doc.LastModified,
		CreatedAt:    doc.LastModified,
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"html", "css", "js", "last_modified"}),
	}).Create(&rec).Error
}

// Create inserts a room with its metadata. Every column is written so a
// private room is not flipped to the column default.
func (r *RoomRepo) Create(ctx context.Context, doc models.RoomDocument) error {
	rec := roomRecord{
		RoomID:       doc.RoomID,
		Name:         doc.Name,
		CreatorID:    doc.CreatorID,
		IsPublic:     doc.IsPublic,
		HTML:         doc.Code.HTML,
		CSS:          doc.Code.CSS,
		JS:           doc.Code.JS,
		LastModified: doc.LastModified,
		CreatedAt:    doc.CreatedAt,
	}
	return r.DB.WithContext(ctx).Select("*").Create(&rec).Error
}

func (r *RoomRepo) ListByCreator(ctx context.Context, creatorID string) ([]models.RoomSummary, error) {
	var recs []roomRecord
	err := r.DB.WithContext(ctx).
		Select("room_id", "name", "is_public", "last_modified", "created_at").
		Where("creator_id = ?", creatorID).
		Order("last_modified DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.RoomSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.RoomSummary{
			RoomID:       rec.RoomID,
			Name:         rec.Name,
			IsPublic:     rec.IsPublic,
			LastModified: rec.LastModified.UTC(),
			CreatedAt:    rec.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (r *RoomRepo) Rename(ctx context.Context, roomID, name string) error {
	res := r.DB.WithContext(ctx).Model(&roomRecord{}).Where("room_id = ?", roomID).Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

func (r *RoomRepo) Delete(ctx context.Context, roomID string) error {
	res := r.DB.WithContext(ctx).Where("room_id = ?", roomID).Delete(&roomRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

func (r *RoomRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *RoomRepo) Close(context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
