package tdigest

import (
	"encoding/binary"
	"errors"
	"math"
)

// smallEncoding is the wire-format version this codec produces and accepts.
// It matches the "small encoding" used by github.com/caio/go-tdigest, so
// sketches written here can be read by unrelated t-digest implementations.
const smallEncoding uint32 = 2

// headerSize is version(4) + compression(8) + centroid count(4).
const headerSize = 4 + 8 + 4

// ErrNotASketch is returned by Decode when the input bytes do not form a
// valid encoded digest (too short, wrong version, zero centroids, or a
// truncated means region).
var ErrNotASketch = errors.New("tdigest: not a sketch")

// Encode serializes td into the big-endian wire format:
// version(4) | compression(8, float64 bits) | count(4) |
// delta-encoded means (float32 each) | varint-encoded weights.
//
// The first mean delta is relative to 0.0; each subsequent delta is
// mean[i] - mean[i-1]. Weights are written as whole numbers even though
// centroids carry float64 weights internally.
func Encode(td *TDigest) []byte {
	var centroids []Centroid
	if td != nil {
		centroids = td.Centroids()
	}

	buf := make([]byte, headerSize, headerSize+len(centroids)*5)
	binary.BigEndian.PutUint32(buf[0:4], smallEncoding)
	compression := float64(DefaultCompression)
	if td != nil {
		compression = td.Compression()
	}
	binary.BigEndian.PutUint64(buf[4:12], math.Float64bits(compression))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(centroids)))

	var prevMean float64
	for _, c := range centroids {
		delta := float32(c.Mean - prevMean)
		prevMean = c.Mean
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(delta))
		buf = append(buf, b[:]...)
	}

	var varintBuf [binary.MaxVarintLen64]byte
	for _, c := range centroids {
		n := putUvarintBE(varintBuf[:], uint64(c.Weight))
		buf = append(buf, varintBuf[:n]...)
	}

	return buf
}

// Decode parses a sketch previously produced by Encode (or any compatible
// go-tdigest "small encoding" writer). Bytes after the last weight are
// ignored, so trailing garbage (or a later schema addition) does not cause
// a decode failure.
func Decode(data []byte) (*TDigest, error) {
	if len(data) < headerSize {
		return nil, ErrNotASketch
	}

	version := binary.BigEndian.Uint32(data[0:4])
	if version != smallEncoding {
		return nil, ErrNotASketch
	}

	compression := math.Float64frombits(binary.BigEndian.Uint64(data[4:12]))
	count := binary.BigEndian.Uint32(data[12:16])
	if count == 0 {
		return nil, ErrNotASketch
	}

	meansEnd := headerSize + int(count)*4
	if len(data) < meansEnd {
		return nil, ErrNotASketch
	}

	means := make([]float64, count)
	var cumulative float64
	for i := 0; i < int(count); i++ {
		offset := headerSize + i*4
		bits := binary.BigEndian.Uint32(data[offset : offset+4])
		delta := float64(math.Float32frombits(bits))
		cumulative += delta
		means[i] = cumulative
	}

	remaining := data[meansEnd:]
	centroids := make([]Centroid, count)
	for i := 0; i < int(count); i++ {
		weight, n, err := uvarintBE(remaining)
		if err != nil {
			return nil, ErrNotASketch
		}
		remaining = remaining[n:]
		centroids[i] = Centroid{Mean: means[i], Weight: float64(weight)}
	}

	td := FromCentroids(centroids)
	if compression > 0 {
		td.compression = compression
	}
	return td, nil
}

// putUvarintBE and uvarintBE implement the unsigned-LEB128-style varint
// encoding the wire format uses for weights. binary.PutUvarint/Uvarint are
// byte-order agnostic (LEB128 is defined independent of endianness), so
// these are thin, explicitly-named wrappers kept local to avoid confusing
// readers about which direction "BigEndian" applies to in this file.
func putUvarintBE(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

func uvarintBE(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrNotASketch
	}
	return v, n, nil
}
