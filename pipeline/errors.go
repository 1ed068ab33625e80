package pipeline

import "errors"

var (
	// ErrBackgroundRemoval wraps every failure of the background removal collaborator.
	ErrBackgroundRemoval = errors.New("background removal failed")

	ErrBusy         = errors.New("a run is already in progress")
	ErrNotReady     = errors.New("no processed image")
	ErrNotImage     = errors.New("upload is not an image")
	ErrInvalidImage = errors.New("upload could not be decoded")
	ErrInvalidBoost = errors.New("invalid boost")
	ErrInvalidMode  = errors.New("invalid mode")
)
