// Package framing encodes sequences of opaque records into a single buffer
// protected by a trailing checksum, and decodes them back again.
//
// Each record is framed with a fixed-length header: a 4-byte magic word (for
// de-synchronization detection), followed by a little-endian uint32 length,
// followed by the record payload. The buffer ends with a little-endian
// uint64 checksum computed over every preceding byte. A buffer which was
// torn or scribbled fails Decode with ErrChecksumMismatch.
package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderLength is the number of leading header bytes of each record frame:
// a 4-byte magic word followed by a little-endian length.
const HeaderLength = 8

// TrailerLength is the number of trailing checksum bytes of an encoded buffer.
const TrailerLength = 8

var (
	// ErrChecksumMismatch is returned by Decode if the buffer checksum does
	// not match its content.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrDesyncDetected is returned by Decode if a checksummed buffer does
	// not begin a record at an expected frame boundary.
	ErrDesyncDetected = errors.New("detected de-synchronization")
	// magicWord precedes each record frame.
	magicWord = [4]byte{0x66, 0x33, 0x93, 0x36}
)

// ChecksumError details an ErrChecksumMismatch.
type ChecksumError struct {
	Expected uint64
	Actual   uint64
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s (expected %016x, actual %016x)", ErrChecksumMismatch, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// Encode frames |records| into a returned buffer having a trailing checksum
// computed by |hash|. The checksum is also returned.
func Encode(records [][]byte, hash HashFunc) ([]byte, uint64) {
	var size = TrailerLength
	for _, r := range records {
		size += HeaderLength + len(r)
	}
	var b = make([]byte, 0, size)

	for _, r := range records {
		var header [HeaderLength]byte
		copy(header[:4], magicWord[:])
		binary.LittleEndian.PutUint32(header[4:], uint32(len(r)))

		b = append(b, header[:]...)
		b = append(b, r...)
	}

	var sum = hash(b)
	b = binary.LittleEndian.AppendUint64(b, sum)
	return b, sum
}

// Decode verifies the trailing checksum of |b| using |hash|, and then
// unpacks its records. Returned records alias |b|. The verified checksum
// is returned alongside records.
func Decode(b []byte, hash HashFunc) ([][]byte, uint64, error) {
	if len(b) < TrailerLength {
		return nil, 0, errors.WithMessagef(ErrChecksumMismatch,
			"buffer of %d bytes is shorter than its checksum", len(b))
	}
	var body = b[:len(b)-TrailerLength]
	var expect = binary.LittleEndian.Uint64(b[len(body):])

	if actual := hash(body); actual != expect {
		return nil, 0, &ChecksumError{Expected: expect, Actual: actual}
	}

	var records [][]byte
	for len(body) != 0 {
		if len(body) < HeaderLength {
			return nil, 0, errors.Wrapf(ErrDesyncDetected, "%d trailing bytes", len(body))
		} else if !bytes.Equal(body[:4], magicWord[:]) {
			return nil, 0, errors.Wrapf(ErrDesyncDetected, "record %d", len(records))
		}
		var length = int(binary.LittleEndian.Uint32(body[4:HeaderLength]))

		if length > len(body)-HeaderLength {
			return nil, 0, errors.Wrapf(ErrDesyncDetected,
				"record %d length %d overflows buffer", len(records), length)
		}
		records = append(records, body[HeaderLength:HeaderLength+length])
		body = body[HeaderLength+length:]
	}
	return records, expect, nil
}
