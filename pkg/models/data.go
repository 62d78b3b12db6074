package models

import "time"

// RawData is the output of one sudo command run on a remote host,
// before any parsing or structuring.
type RawData struct {
	// Unique identifier shared by every command of one collection run
	CollectionID string `json:"collection_id"`

	// Identifier for the source host (hostname or IP)
	SourceID string `json:"source_id"`

	// Timestamp when the data was collected
	Timestamp time.Time `json:"timestamp"`

	// The command that produced this chunk
	ChunkID string `json:"chunk_id"`

	// Standard output of the command
	Payload *string `json:"payload,omitempty"`

	// Standard error of the command. Empty with a PTY, which merges it into stdout.
	Stderr *string `json:"stderr,omitempty"`

	// Key to the data in an object store for payloads too large to inline.
	// Value will be nil when Payload is used.
	ObjectStoreKey *string `json:"object_store_key,omitempty"`
}
