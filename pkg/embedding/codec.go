// Package embedding defines the speaker-embedding vector type and the binary
// codec used to persist vectors in the durable cache backends.
package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// ErrCorruptPayload is returned by Decode when stored bytes fail structural
// validation. Callers should treat the entry as unusable and remove it from
// the backing store.
var ErrCorruptPayload = errors.New("corrupt embedding payload")

const (
	codecVersion = 0x01

	headerSize  = 4 // 3 magic bytes plus a version byte.
	countSize   = 4
	trailerSize = 4 // CRC-32 (IEEE) over header, count and payload.
)

// magic identifies an encoded speaker-embedding payload.
var magic = [3]byte{'S', 'E', 'B'}

// Vector is an opaque speaker embedding produced by the voice-conditioning
// model. The cache never interprets its contents.
type Vector []float32

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Equal reports whether two vectors carry identical bit patterns. Elements
// are compared as raw bits, so NaNs with the same representation compare
// equal and +0 differs from -0.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if math.Float32bits(v[i]) != math.Float32bits(other[i]) {
			return false
		}
	}
	return true
}

// Encode serializes a vector into its stored binary form: a magic/version
// header, a little-endian element count, the little-endian IEEE-754 payload,
// and a CRC-32 trailer. The output is deterministic for a given input.
func Encode(v Vector) []byte {
	buf := make([]byte, headerSize+countSize+len(v)*4+trailerSize)
	copy(buf[0:3], magic[:])
	buf[3] = codecVersion
	binary.LittleEndian.PutUint32(buf[headerSize:], uint32(len(v)))

	offset := headerSize + countSize
	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(f))
		offset += 4
	}

	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))
	return buf
}

// Decode reverses Encode, recovering the vector bit-for-bit. It returns an
// error wrapping ErrCorruptPayload when the payload is truncated, carries an
// unknown header, or fails its checksum.
func Decode(data []byte) (Vector, error) {
	if len(data) < headerSize+countSize+trailerSize {
		return nil, fmt.Errorf("%w: truncated at %d bytes", ErrCorruptPayload, len(data))
	}
	if data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] {
		return nil, fmt.Errorf("%w: unrecognized magic %q", ErrCorruptPayload, data[0:3])
	}
	if data[3] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPayload, data[3])
	}

	count := binary.LittleEndian.Uint32(data[headerSize:])
	payloadLen := len(data) - headerSize - countSize - trailerSize
	if payloadLen%4 != 0 || uint32(payloadLen/4) != count {
		return nil, fmt.Errorf("%w: length %d does not match element count %d", ErrCorruptPayload, len(data), count)
	}

	body := len(data) - trailerSize
	if got := crc32.ChecksumIEEE(data[:body]); got != binary.LittleEndian.Uint32(data[body:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptPayload)
	}

	out := make(Vector, count)
	offset := headerSize + countSize
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	}
	return out, nil
}
