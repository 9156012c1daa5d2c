package store

import "emodiary/pkg/domain"

// Store defines persistence operations for users, diaries, and images.
// Every read sees only non-deleted rows; implementations apply the
// active-only filter uniformly so no call site can forget it.
type Store interface {
	// users; CreateUserWithImage seeds the initial reference image and the
	// current-image pointer in the same transaction as the user insert, so a
	// failed seed never leaves a half-initialized user behind.
	CreateUser(user domain.User) (domain.User, error)
	CreateUserWithImage(user domain.User, imageURI string) (domain.User, error)
	GetUser(id uint) (domain.User, bool, error)

	// diaries
	CreateDiary(diary domain.Diary) (domain.Diary, error)
	GetDiary(id uint) (domain.Diary, bool, error)
	GetDiaryByDate(userID uint, date int) (domain.Diary, bool, error)
	ListDiaries(userID uint) ([]domain.Diary, error)
	UpdateDiaryBody(id uint, body string) (domain.Diary, bool, error)
	SetDiaryScore(id uint, score int) error
	SoftDeleteDiary(id uint) (bool, error)
	HasDiaryOnDate(userID uint, date int) (bool, error)

	// images; CreateImage also advances the owner's current-image pointer
	// in the same transaction.
	CreateImage(img domain.Image) (domain.Image, error)
	CurrentImage(userID uint) (domain.Image, bool, error)
	LatestImagePerDiary() ([]domain.Image, error)

	// health
	Ping() error
}
