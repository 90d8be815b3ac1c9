package bytes

import (
	"github.com/dustin/go-humanize"
	"github.com/zeebo/xxh3"
)

// Checksum is the xxh3 digest used to guard persisted records.
func Checksum(b []byte) uint64 {
	return xxh3.Hash(b)
}

// FmtMem renders a byte count for logs, e.g. "1.5 MiB".
func FmtMem(n uint64) string {
	return humanize.IBytes(n)
}
