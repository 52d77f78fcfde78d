package models

import "errors"

var (
	// ErrInputFile is returned when a volume or transform file is missing or unreadable.
	ErrInputFile = errors.New("input file error")

	// ErrEmptyVolume is returned when a volume has no voxels.
	ErrEmptyVolume = errors.New("volume is empty")

	// ErrGridMismatch is returned when two volumes expected to share a grid do not.
	ErrGridMismatch = errors.New("volume grids are not compatible")
)
