package domain

import "time"

// User owns diaries and images. CurrentImageID points at the reference
// image used as the base for the next portrait transformation.
type User struct {
	ID             uint      `json:"id"`
	Name           string    `json:"name"`
	CurrentImageID *uint     `json:"currentImageId,omitempty"`
	IsDeleted      bool      `json:"isDeleted"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Diary is one entry per calendar date per user. Score stays nil until the
// write pipeline commits it.
type Diary struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"userId"`
	Body      string    `json:"body"`
	Score     *int      `json:"score,omitempty"`
	Date      int       `json:"date"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Image is one uploaded portrait variant. Rows are insert-only; DiaryID
// references the diary write that generated the image, nil for direct
// uploads.
type Image struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"userId"`
	DiaryID   *uint     `json:"diaryId,omitempty"`
	URI       string    `json:"uri"`
	Meta      ImageMeta `json:"meta"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ImageMeta carries encoding details recorded at upload time.
type ImageMeta struct {
	Format    string `json:"format,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// Score bounds produced by the scoring model.
const (
	MinScore = -100
	MaxScore = 100
)
