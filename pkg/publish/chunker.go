// Package publish delivers serialized record batches to the message-ingestion
// endpoint in byte-bounded chunks, with per-chunk retry and at-least-once
// semantics.
package publish

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxChunkBytes is the default serialized-size bound per chunk,
// comfortably below the 1 MiB ingestion limit.
const DefaultMaxChunkBytes = 900 * 1024

// OversizePolicy decides what happens to a single record whose serialized
// form alone reaches the chunk bound.
type OversizePolicy string

const (
	// OversizeSend ships the oversized record as a chunk of one and lets the
	// ingestion endpoint accept or reject it.
	OversizeSend OversizePolicy = "send"

	// OversizeReject fails the publish call with ErrOversizedRecord.
	OversizeReject OversizePolicy = "reject"
)

// ErrOversizedRecord is returned under OversizeReject when one record cannot
// fit a chunk by itself.
var ErrOversizedRecord = fmt.Errorf("record exceeds maximum chunk size")

// Chunk is one sealed batch: records whose JSON array encoding stays under
// the configured bound, except for a single oversized record under
// OversizeSend.
type Chunk struct {
	Records []json.RawMessage
	Bytes   int
}

// arraySize returns the serialized size of the records as a JSON array:
// two brackets, the record payloads, and a comma between neighbors.
func arraySize(recordBytes, records int) int {
	size := 2 + recordBytes
	if records > 1 {
		size += records - 1
	}
	return size
}

// Split partitions records into chunks whose JSON array encoding stays below
// maxBytes. Record order is preserved within and across chunks. A record that
// alone reaches the bound is handled per the oversize policy.
func Split(records []json.RawMessage, maxBytes int, oversize OversizePolicy) ([]Chunk, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}

	var chunks []Chunk
	var current []json.RawMessage
	currentBytes := 0

	seal := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Records: current,
			Bytes:   arraySize(currentBytes, len(current)),
		})
		current = nil
		currentBytes = 0
	}

	for _, record := range records {
		alone := arraySize(len(record), 1)
		if alone >= maxBytes {
			if oversize == OversizeReject {
				return nil, fmt.Errorf("%w: %d bytes against a %d byte bound",
					ErrOversizedRecord, alone, maxBytes)
			}
			seal()
			chunks = append(chunks, Chunk{
				Records: []json.RawMessage{record},
				Bytes:   alone,
			})
			continue
		}

		if len(current) > 0 && arraySize(currentBytes+len(record), len(current)+1) >= maxBytes {
			seal()
		}
		current = append(current, record)
		currentBytes += len(record)
	}
	seal()

	return chunks, nil
}
