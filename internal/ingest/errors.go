package ingest

import "errors"

var (
	// ErrInvalidPayload rejects the whole batch (400). Nothing has been written.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNoGroupID means the store accepted a group insert but returned no id.
	ErrNoGroupID = errors.New("group insert returned no id")
	// ErrNoSampleID means the store accepted a sample insert but returned no id.
	ErrNoSampleID = errors.New("sample insert returned no id")
)
