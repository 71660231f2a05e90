// Package decoder turns a byte stream of 15-byte point records into flat
// float32 arrays ready for a renderer.
//
// Network chunks arrive at arbitrary boundaries. Decoder carries the partial
// record left over from one chunk into the next and only ever emits whole
// records, so a stream read in any chunking decodes to the same points.
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/azrael3199/gis-tool-dashboard/codec"
	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// Batch holds the points decoded from one chunk. Positions and Colors are
// interleaved xyz and rgb, three values per point. ColorsRGB8 carries the raw
// color bytes when the decoder was built WithRGB8.
type Batch struct {
	Positions  []float32
	Colors     []float32
	ColorsRGB8 []uint8
}

// Len returns the number of points in the batch.
func (b Batch) Len() int { return len(b.Positions) / 3 }

// Option configures a Decoder.
type Option func(*Decoder)

// WithRGB8 also fills Batch.ColorsRGB8.
func WithRGB8() Option {
	return func(d *Decoder) { d.rgb8 = true }
}

// Decoder is a streaming record decoder. It is not safe for concurrent use.
type Decoder struct {
	pending [codec.RecordSize]byte
	npend   int
	points  int64
	ended   bool
	rgb8    bool
}

// New creates a decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Write decodes every whole record that chunk completes. The returned batch
// is freshly allocated and owned by the caller. It may be empty.
func (d *Decoder) Write(chunk []byte) (Batch, error) {
	if d.ended {
		return Batch{}, errors.WrapInvalid(errors.ErrInvalidData, "Decoder", "Write", "write after end")
	}

	n := (d.npend + len(chunk)) / codec.RecordSize
	b := d.alloc(n)

	i := 0
	if d.npend > 0 {
		need := codec.RecordSize - d.npend
		if len(chunk) < need {
			d.npend += copy(d.pending[d.npend:], chunk)
			return b, nil
		}
		copy(d.pending[d.npend:], chunk[:need])
		d.put(&b, i, d.pending[:])
		i++
		chunk = chunk[need:]
		d.npend = 0
	}

	for ; len(chunk) >= codec.RecordSize; chunk = chunk[codec.RecordSize:] {
		d.put(&b, i, chunk[:codec.RecordSize])
		i++
	}
	d.npend = copy(d.pending[:], chunk)
	d.points += int64(n)
	return b, nil
}

func (d *Decoder) alloc(n int) Batch {
	b := Batch{
		Positions: make([]float32, 3*n),
		Colors:    make([]float32, 3*n),
	}
	if d.rgb8 {
		b.ColorsRGB8 = make([]uint8, 3*n)
	}
	return b
}

func (d *Decoder) put(b *Batch, i int, rec []byte) {
	o := 3 * i
	b.Positions[o] = math.Float32frombits(binary.LittleEndian.Uint32(rec[0:]))
	b.Positions[o+1] = math.Float32frombits(binary.LittleEndian.Uint32(rec[4:]))
	b.Positions[o+2] = math.Float32frombits(binary.LittleEndian.Uint32(rec[8:]))
	b.Colors[o] = codec.DequantizeColor(rec[12])
	b.Colors[o+1] = codec.DequantizeColor(rec[13])
	b.Colors[o+2] = codec.DequantizeColor(rec[14])
	if b.ColorsRGB8 != nil {
		copy(b.ColorsRGB8[o:o+3], rec[12:15])
	}
}

// End marks the stream complete. Leftover bytes mean the stream stopped
// inside a record.
func (d *Decoder) End() error {
	d.ended = true
	if d.npend != 0 {
		return errors.WrapInvalid(errors.ErrTruncatedRecord, "Decoder", "End",
			fmt.Sprintf("%d bytes of an unfinished record", d.npend))
	}
	return nil
}

// Points returns the number of records decoded so far.
func (d *Decoder) Points() int64 { return d.points }
