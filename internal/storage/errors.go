package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a bucket that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownDataset is returned for a dataset the backend does not hold.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrSubscriptionClosed is returned when subscribing on a closed feed.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrSlowSubscriber is reported by a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("subscriber fell behind the change feed")
)
