// Package dump frames the entries of one category into a single blob.
//
// Layout: magic "ASHD", one version byte, then records of
// [uint32 length][uint64 xxh3 checksum][entry record]. The whole blob may be gzip-compressed.
package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	sharedbytes "github.com/Borislavv/go-ash-tiers/internal/shared/bytes"
	"github.com/klauspost/compress/gzip"
	"io"
)

const (
	magic        = "ASHD"
	version byte = 1
	frameLen     = 4 + 8
)

var (
	ErrBadMagic   = errors.New("dump: bad magic")
	ErrBadVersion = errors.New("dump: unsupported version")
)

// Result of decoding a blob. Corrupted counts records skipped on checksum
// or decode failure; a truncated tail also counts as one.
type Result struct {
	Entries   []*model.Entry
	Corrupted int
}

// Encode writes the entries in the given order.
func Encode(entries []*model.Entry, gz bool) ([]byte, error) {
	var out bytes.Buffer

	var (
		writer io.Writer = &out
		gw     *gzip.Writer
	)
	if gz {
		gw = gzip.NewWriter(&out)
		writer = gw
	}
	bw := bufio.NewWriterSize(writer, 64*1024)

	if _, err := bw.WriteString(magic); err != nil {
		return nil, err
	}
	if err := bw.WriteByte(version); err != nil {
		return nil, err
	}

	var frame [frameLen]byte
	for _, e := range entries {
		data := e.ToBytes()
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(data)))
		binary.LittleEndian.PutUint64(frame[4:12], sharedbytes.Checksum(data))
		if _, err := bw.Write(frame[:]); err != nil {
			return nil, fmt.Errorf("write frame: %w", err)
		}
		if _, err := bw.Write(data); err != nil {
			return nil, fmt.Errorf("write record: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flush dump: %w", err)
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("close gzip: %w", err)
		}
	}
	return out.Bytes(), nil
}

// Decode reads a blob produced by Encode, gzip-compressed or not.
func Decode(data []byte) (Result, error) {
	var res Result

	var reader io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gzr, err := gzip.NewReader(reader)
		if err != nil {
			return res, fmt.Errorf("open gzip: %w", err)
		}
		defer gzr.Close()
		reader = gzr
	}
	br := bufio.NewReaderSize(reader, 64*1024)

	var head [len(magic) + 1]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return res, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if string(head[:len(magic)]) != magic {
		return res, ErrBadMagic
	}
	if head[len(magic)] != version {
		return res, fmt.Errorf("%w: %d", ErrBadVersion, head[len(magic)])
	}

	var frame [frameLen]byte
	for {
		if _, err := io.ReadFull(br, frame[:]); err == io.EOF {
			break
		} else if err != nil {
			res.Corrupted++
			break
		}

		sz := binary.LittleEndian.Uint32(frame[0:4])
		sum := binary.LittleEndian.Uint64(frame[4:12])
		// the length is untrusted until the checksum matches: grow with the input
		var rec bytes.Buffer
		if _, err := io.CopyN(&rec, br, int64(sz)); err != nil {
			res.Corrupted++
			break
		}
		buf := rec.Bytes()
		if sharedbytes.Checksum(buf) != sum {
			res.Corrupted++
			continue
		}
		e, err := model.FromBytes(buf)
		if err != nil {
			res.Corrupted++
			continue
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}
