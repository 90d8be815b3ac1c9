package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/model"
)

const recordVersion = 1

// fixed part: version, category, priority, flags, createdAt, touchedAt, expiresAt, hits, seq, keyLen, payloadLen
const headerLen = 1 + 1 + 1 + 1 + 8*5 + 4 + 4

var ErrMalformedRecord = errors.New("malformed entry record")

// ToBytes encodes the entry with all timestamps and statistics so a restored
// entry behaves exactly like the original.
func (e *Entry) ToBytes() []byte {
	buf := make([]byte, headerLen+len(e.key)+len(e.payload))
	buf[0] = recordVersion
	buf[1] = uint8(e.category.Index())
	buf[2] = uint8(e.priority)
	buf[3] = uint8(e.flags)
	off := 4
	for _, v := range [...]uint64{uint64(e.createdAt), uint64(e.touchedAt), uint64(e.expiresAt), uint64(e.hits), e.seq} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.key)))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(e.payload)))
	off += 8
	off += copy(buf[off:], e.key)
	copy(buf[off:], e.payload)
	return buf
}

// FromBytes decodes a record produced by ToBytes. The payload is copied.
func FromBytes(data []byte) (*Entry, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedRecord, len(data))
	}
	if data[0] != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, data[0])
	}
	idx := int(data[1])
	if idx >= model.NumCategories {
		return nil, fmt.Errorf("%w: category index %d", ErrMalformedRecord, idx)
	}
	priority := model.Priority(data[2])
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformedRecord, data[2])
	}

	e := &Entry{
		category: model.Categories[idx],
		priority: priority,
		flags:    Flags(data[3]),
	}
	off := 4
	e.createdAt = int64(binary.LittleEndian.Uint64(data[off:]))
	e.touchedAt = int64(binary.LittleEndian.Uint64(data[off+8:]))
	e.expiresAt = int64(binary.LittleEndian.Uint64(data[off+16:]))
	e.hits = int64(binary.LittleEndian.Uint64(data[off+24:]))
	e.seq = binary.LittleEndian.Uint64(data[off+32:])
	off += 40

	keyLen := int(binary.LittleEndian.Uint32(data[off:]))
	payloadLen := int(binary.LittleEndian.Uint32(data[off+4:]))
	off += 8
	if len(data)-off != keyLen+payloadLen {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedRecord)
	}
	e.key = string(data[off : off+keyLen])
	off += keyLen
	e.payload = append([]byte(nil), data[off:off+payloadLen]...)
	e.size = int64(payloadLen)

	return e, nil
}
