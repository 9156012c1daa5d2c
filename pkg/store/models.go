package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. All three tables carry server-assigned
// timestamps and a soft-delete flag checked through the active scope.

type UserModel struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"size:255;not null"`
	CurrentImageID *uint  `gorm:"index"`
	IsDeleted      bool   `gorm:"not null;default:false;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (UserModel) TableName() string { return "users" }

type DiaryModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	Body      string `gorm:"type:text;not null"`
	Score     *int
	Date      int  `gorm:"not null;index"`
	IsDeleted bool `gorm:"not null;default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	User *UserModel `gorm:"constraint:OnDelete:RESTRICT"`
}

func (DiaryModel) TableName() string { return "diaries" }

type ImageModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	DiaryID   *uint  `gorm:"index"`
	URI       string `gorm:"size:512;not null"`
	Meta      datatypes.JSON
	IsDeleted bool `gorm:"not null;default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	User *UserModel `gorm:"constraint:OnDelete:RESTRICT"`
}

func (ImageModel) TableName() string { return "images" }
