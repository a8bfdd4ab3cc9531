package oplog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
)

// Record layout: [format][crc32 IEEE of body, big endian][body].
const (
	formatJSON   byte = 1
	formatSnappy byte = 2

	headerSize = 5

	// compressThreshold is the envelope size above which the body is snappy compressed.
	compressThreshold = 512
)

type envelope struct {
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// Encode serializes an entry into a self-describing, checksummed record.
func Encode(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s entry: %w", e.Kind(), err)
	}

	body, err := json.Marshal(envelope{Kind: e.Kind(), Timestamp: e.Time(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	format := formatJSON
	if len(body) > compressThreshold {
		body = snappy.Encode(nil, body)
		format = formatSnappy
	}

	record := make([]byte, headerSize+len(body))
	record[0] = format
	binary.BigEndian.PutUint32(record[1:headerSize], crc32.ChecksumIEEE(body))
	copy(record[headerSize:], body)
	return record, nil
}

// Decode parses a record produced by Encode.
// Any integrity or format problem is reported as ErrCorruptEntry.
func Decode(record []byte) (Entry, error) {
	if len(record) < headerSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrCorruptEntry, len(record))
	}

	body := record[headerSize:]
	if sum := binary.BigEndian.Uint32(record[1:headerSize]); sum != crc32.ChecksumIEEE(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}

	switch record[0] {
	case formatJSON:
	case formatSnappy:
		decompressed, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorruptEntry, record[0])
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	newEntry, ok := constructors[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptEntry, env.Kind)
	}

	e := newEntry()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, e); err != nil {
			return nil, fmt.Errorf("%w: %s entry: %v", ErrCorruptEntry, env.Kind, err)
		}
	}
	e.stamp(env.Timestamp)
	return e, nil
}
