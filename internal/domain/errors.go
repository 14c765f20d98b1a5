package domain

import "errors"

var (
	// ErrUnknownProgram marks a snapshot process that resolves to no
	// configured program. Ingestion logs it and keeps going.
	ErrUnknownProgram = errors.New("unknown program")

	// ErrMalformedSchedule marks an invalid window definition. Caught when
	// configuration is written, never during evaluation.
	ErrMalformedSchedule = errors.New("malformed schedule")

	// ErrNotFound is returned by store lookups that match nothing.
	ErrNotFound = errors.New("not found")
)
