// Package fingerprint hashes grid content for change detection.
package fingerprint

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/l0p7/sheetsync/internal/source"
)

// Fingerprint is a 64-bit xxhash digest of a grid.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Of digests the grid. Row count, row lengths and cell lengths are written as
// uvarint prefixes, so cell boundaries can never be confused with content.
func Of(grid source.Grid) Fingerprint {
	d := xxhash.New()
	var buf [binary.MaxVarintLen64]byte
	writeLen := func(n int) {
		k := binary.PutUvarint(buf[:], uint64(n))
		_, _ = d.Write(buf[:k])
	}

	writeLen(len(grid))
	for _, row := range grid {
		writeLen(len(row))
		for _, cell := range row {
			writeLen(len(cell))
			_, _ = d.WriteString(cell)
		}
	}
	return Fingerprint(d.Sum64())
}
