package app

import "errors"

var (
	// ErrNotFound indicates a missing or soft-deleted entity.
	ErrNotFound = errors.New("not found")
	// ErrMissingField indicates a required request field was absent.
	ErrMissingField = errors.New("missing essential fields")
	// ErrInvalidDate indicates a date that is not valid YYYYMMDD.
	ErrInvalidDate = errors.New("invalid date")
	// ErrDuplicateDate indicates a non-deleted diary already exists for the date.
	ErrDuplicateDate = errors.New("diary for this date already exists")
	// ErrNoReferenceImage indicates the owner has no current reference image.
	ErrNoReferenceImage = errors.New("no reference image found for the user")
	// ErrNotAnImage indicates an upload that is not an image.
	ErrNotAnImage = errors.New("file is not an image")
)
