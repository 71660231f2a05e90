// Package codec converts point records to and from the 15-byte wire record.
//
// Layout, little-endian:
//
//	offset 0  float32 x
//	offset 4  float32 y
//	offset 8  float32 z
//	offset 12 uint8   r  floor(color.r*255) clamped to [0,255]
//	offset 13 uint8   g
//	offset 14 uint8   b
//
// Records are concatenated with no separator or header. The format carries no
// version byte; FormatVersion is negotiated out of band (HTTP header or the
// WebSocket query message).
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

const (
	// RecordSize is the encoded size of one point.
	RecordSize = 15
	// FormatVersion identifies this layout.
	FormatVersion = 1
)

// QuantizeColor maps a [0,1] channel to a byte. Out of range values clamp,
// NaN maps to 0.
func QuantizeColor(c float32) uint8 {
	if math32.IsNaN(c) || c <= 0 {
		return 0
	}
	if c >= 1 {
		return 255
	}
	v := math32.Floor(c * 255)
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// DequantizeColor maps a byte back to [0,1].
func DequantizeColor(b uint8) float32 {
	return float32(b) / 255
}

// Encode writes p into dst, which must hold at least RecordSize bytes.
func Encode(dst []byte, p pointstore.PointRecord) {
	_ = dst[RecordSize-1]
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(p.Z))
	dst[12] = QuantizeColor(p.Color[0])
	dst[13] = QuantizeColor(p.Color[1])
	dst[14] = QuantizeColor(p.Color[2])
}

// Append encodes p onto the end of buf.
func Append(buf []byte, p pointstore.PointRecord) []byte {
	n := len(buf)
	if cap(buf)-n < RecordSize {
		grown := make([]byte, n, 2*cap(buf)+RecordSize)
		copy(grown, buf)
		buf = grown
	}
	buf = buf[:n+RecordSize]
	Encode(buf[n:], p)
	return buf
}

// Decode parses one record from the first RecordSize bytes of src.
func Decode(src []byte) (pointstore.PointRecord, error) {
	if len(src) < RecordSize {
		return pointstore.PointRecord{}, errors.WrapInvalid(errors.ErrInvalidData, "codec", "Decode",
			fmt.Sprintf("need %d bytes, have %d", RecordSize, len(src)))
	}
	return pointstore.PointRecord{
		X: math.Float32frombits(binary.LittleEndian.Uint32(src[0:])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(src[4:])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(src[8:])),
		Color: [3]float32{
			DequantizeColor(src[12]),
			DequantizeColor(src[13]),
			DequantizeColor(src[14]),
		},
	}, nil
}

// DecodeAll parses a buffer that must hold a whole number of records.
func DecodeAll(src []byte) ([]pointstore.PointRecord, error) {
	if len(src)%RecordSize != 0 {
		return nil, errors.WrapInvalid(errors.ErrTruncatedRecord, "codec", "DecodeAll",
			fmt.Sprintf("%d trailing bytes", len(src)%RecordSize))
	}
	out := make([]pointstore.PointRecord, 0, len(src)/RecordSize)
	for off := 0; off < len(src); off += RecordSize {
		p, _ := Decode(src[off:])
		out = append(out, p)
	}
	return out, nil
}
