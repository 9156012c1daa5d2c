package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"emodiary/pkg/domain"
)

// GormStore implements Store using GORM. Postgres backs production; the
// pure-Go sqlite driver backs local development and tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB for the given driver and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &DiaryModel{}, &ImageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// active restricts a query to non-deleted rows. Every store query goes
// through this scope.
func active(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = ?", false)
}

// CreateUser inserts a user row.
func (s *GormStore) CreateUser(user domain.User) (domain.User, error) {
	model := UserModel{Name: user.Name}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return toDomainUser(model), nil
}

// CreateUserWithImage inserts a user and, when imageURI is non-empty, the
// initial reference image plus the current-image pointer, all in one
// transaction.
func (s *GormStore) CreateUserWithImage(user domain.User, imageURI string) (domain.User, error) {
	model := UserModel{Name: user.Name}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if strings.TrimSpace(imageURI) == "" {
			return nil
		}
		img := ImageModel{UserID: model.ID, URI: imageURI}
		if err := tx.Create(&img).Error; err != nil {
			return err
		}
		if err := tx.Model(&UserModel{}).Where("id = ?", model.ID).
			Update("current_image_id", img.ID).Error; err != nil {
			return err
		}
		imageID := img.ID
		model.CurrentImageID = &imageID
		return nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("create user with image: %w", err)
	}
	return toDomainUser(model), nil
}

// GetUser fetches a non-deleted user by ID.
func (s *GormStore) GetUser(id uint) (domain.User, bool, error) {
	var model UserModel
	err := s.db.Scopes(active).First(&model, id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return toDomainUser(model), true, nil
}

// CreateDiary inserts a diary row; the score stays empty until the pipeline
// commits it.
func (s *GormStore) CreateDiary(diary domain.Diary) (domain.Diary, error) {
	model := DiaryModel{
		UserID: diary.UserID,
		Body:   diary.Body,
		Score:  diary.Score,
		Date:   diary.Date,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Diary{}, fmt.Errorf("create diary: %w", err)
	}
	return toDomainDiary(model), nil
}

// GetDiary fetches a non-deleted diary by ID.
func (s *GormStore) GetDiary(id uint) (domain.Diary, bool, error) {
	var model DiaryModel
	err := s.db.Scopes(active).First(&model, id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Diary{}, false, nil
	}
	if err != nil {
		return domain.Diary{}, false, fmt.Errorf("get diary: %w", err)
	}
	return toDomainDiary(model), true, nil
}

// GetDiaryByDate fetches the non-deleted diary for one user and date.
func (s *GormStore) GetDiaryByDate(userID uint, date int) (domain.Diary, bool, error) {
	var model DiaryModel
	err := s.db.Scopes(active).Where("user_id = ? AND date = ?", userID, date).First(&model).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Diary{}, false, nil
	}
	if err != nil {
		return domain.Diary{}, false, fmt.Errorf("get diary by date: %w", err)
	}
	return toDomainDiary(model), true, nil
}

// ListDiaries returns all non-deleted diaries for a user, oldest first.
func (s *GormStore) ListDiaries(userID uint) ([]domain.Diary, error) {
	var models []DiaryModel
	if err := s.db.Scopes(active).Where("user_id = ?", userID).Order("date ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list diaries: %w", err)
	}
	diaries := make([]domain.Diary, 0, len(models))
	for _, m := range models {
		diaries = append(diaries, toDomainDiary(m))
	}
	return diaries, nil
}

// UpdateDiaryBody replaces the body of a non-deleted diary. Only the body is
// mutable; date and owner never change.
func (s *GormStore) UpdateDiaryBody(id uint, body string) (domain.Diary, bool, error) {
	var model DiaryModel
	err := s.db.Scopes(active).First(&model, id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Diary{}, false, nil
	}
	if err != nil {
		return domain.Diary{}, false, fmt.Errorf("update diary: %w", err)
	}
	model.Body = body
	if err := s.db.Save(&model).Error; err != nil {
		return domain.Diary{}, false, fmt.Errorf("update diary: %w", err)
	}
	return toDomainDiary(model), true, nil
}

// SetDiaryScore commits the score as its own transaction; later pipeline
// failures never roll it back.
func (s *GormStore) SetDiaryScore(id uint, score int) error {
	res := s.db.Model(&DiaryModel{}).Scopes(active).Where("id = ?", id).Update("score", score)
	if res.Error != nil {
		return fmt.Errorf("set diary score: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set diary score: diary %d not found", id)
	}
	return nil
}

// SoftDeleteDiary marks a diary deleted without removing its row.
func (s *GormStore) SoftDeleteDiary(id uint) (bool, error) {
	res := s.db.Model(&DiaryModel{}).Scopes(active).Where("id = ?", id).Update("is_deleted", true)
	if res.Error != nil {
		return false, fmt.Errorf("soft delete diary: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// HasDiaryOnDate reports whether a non-deleted diary exists for the user and
// date. This is the application-level duplicate-date pre-check.
func (s *GormStore) HasDiaryOnDate(userID uint, date int) (bool, error) {
	var count int64
	err := s.db.Model(&DiaryModel{}).Scopes(active).
		Where("user_id = ? AND date = ?", userID, date).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check diary date: %w", err)
	}
	return count > 0, nil
}

// CreateImage inserts an image row and advances the owner's current-image
// pointer in the same transaction, so "current image" never races a
// concurrent insert.
func (s *GormStore) CreateImage(img domain.Image) (domain.Image, error) {
	meta, err := json.Marshal(img.Meta)
	if err != nil {
		return domain.Image{}, fmt.Errorf("encode image meta: %w", err)
	}
	model := ImageModel{
		UserID:  img.UserID,
		DiaryID: img.DiaryID,
		URI:     img.URI,
		Meta:    datatypes.JSON(meta),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		res := tx.Model(&UserModel{}).Scopes(active).
			Where("id = ?", img.UserID).Update("current_image_id", model.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d not found", img.UserID)
		}
		return nil
	})
	if err != nil {
		return domain.Image{}, fmt.Errorf("create image: %w", err)
	}
	return toDomainImage(model), nil
}

// CurrentImage resolves the owner's reference image through the explicit
// pointer on the user row.
func (s *GormStore) CurrentImage(userID uint) (domain.Image, bool, error) {
	var user UserModel
	err := s.db.Scopes(active).First(&user, userID).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Image{}, false, nil
	}
	if err != nil {
		return domain.Image{}, false, fmt.Errorf("current image: %w", err)
	}
	if user.CurrentImageID == nil {
		return domain.Image{}, false, nil
	}
	var img ImageModel
	err = s.db.Scopes(active).First(&img, *user.CurrentImageID).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Image{}, false, nil
	}
	if err != nil {
		return domain.Image{}, false, fmt.Errorf("current image: %w", err)
	}
	return toDomainImage(img), true, nil
}

// LatestImagePerDiary returns the most recently updated non-deleted image
// for each diary that generated one, ordered by diary.
func (s *GormStore) LatestImagePerDiary() ([]domain.Image, error) {
	var models []ImageModel
	err := s.db.Raw(`
		SELECT i.* FROM images i
		WHERE i.is_deleted = ? AND i.diary_id IS NOT NULL
		  AND i.id = (
			SELECT i2.id FROM images i2
			WHERE i2.diary_id = i.diary_id AND i2.is_deleted = ?
			ORDER BY i2.updated_at DESC, i2.id DESC
			LIMIT 1
		  )
		ORDER BY i.diary_id ASC`, false, false).Scan(&models).Error
	if err != nil {
		return nil, fmt.Errorf("latest image per diary: %w", err)
	}
	images := make([]domain.Image, 0, len(models))
	for _, m := range models {
		images = append(images, toDomainImage(m))
	}
	return images, nil
}

// Ping verifies database liveness.
func (s *GormStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func toDomainUser(m UserModel) domain.User {
	return domain.User{
		ID:             m.ID,
		Name:           m.Name,
		CurrentImageID: m.CurrentImageID,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toDomainDiary(m DiaryModel) domain.Diary {
	return domain.Diary{
		ID:        m.ID,
		UserID:    m.UserID,
		Body:      m.Body,
		Score:     m.Score,
		Date:      m.Date,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDomainImage(m ImageModel) domain.Image {
	img := domain.Image{
		ID:        m.ID,
		UserID:    m.UserID,
		DiaryID:   m.DiaryID,
		URI:       m.URI,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Meta) > 0 {
		_ = json.Unmarshal(m.Meta, &img.Meta)
	}
	return img
}
