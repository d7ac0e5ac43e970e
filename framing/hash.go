package framing

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// HashFunc computes a fast, deterministic and non-cryptographic checksum
// token of its input. It guards against accidental truncation or corruption,
// not adversaries.
type HashFunc func([]byte) uint64

// DefaultHash is the HashFunc used when none is configured.
const DefaultHash = "xxhash"

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var hashes = map[string]HashFunc{
	"xxhash": xxhash.Sum64,
	"crc32c": func(b []byte) uint64 { return uint64(crc32.Checksum(b, crcTable)) },
	"blake3": func(b []byte) uint64 {
		var sum = blake3.Sum256(b)
		return binary.LittleEndian.Uint64(sum[:8])
	},
}

// LookupHash returns the HashFunc registered under |name|.
func LookupHash(name string) (HashFunc, error) {
	if h, ok := hashes[name]; ok {
		return h, nil
	}
	return nil, errors.Errorf("unknown hash %q (expected one of %v)", name, HashNames())
}

// HashNames returns the sorted names of available HashFuncs.
func HashNames() []string {
	var names []string
	for n := range hashes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
