package codec

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

func TestEncode_ScenarioA(t *testing.T) {
	buf := make([]byte, RecordSize)
	Encode(buf, pointstore.PointRecord{X: 1, Y: 1, Z: 1, Color: [3]float32{1, 0, 0}})

	for _, off := range []int{0, 4, 8} {
		assert.Equal(t, float32(1.0), math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	}
	assert.Equal(t, []byte{255, 0, 0}, buf[12:15])
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, buf[0:4], "1.0 little-endian")
}

func TestQuantizeColor(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want uint8
	}{
		{"zero", 0, 0},
		{"one", 1, 255},
		{"half floors", 0.5, 127},
		{"above range clamps", 1.2, 255},
		{"below range clamps", -0.1, 0},
		{"nan", float32(math.NaN()), 0},
		{"inf", float32(math.Inf(1)), 255},
		{"neg inf", float32(math.Inf(-1)), 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, QuantizeColor(tc.in))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		p := pointstore.PointRecord{
			X:     (r.Float32() - 0.5) * 1e6,
			Y:     (r.Float32() - 0.5) * 1e-3,
			Z:     r.Float32() * math.MaxFloat32,
			Color: [3]float32{r.Float32(), r.Float32(), r.Float32()},
		}
		buf := Append(nil, p)
		require.Len(t, buf, RecordSize)

		got, err := Decode(buf)
		require.NoError(t, err)

		assert.Equal(t, p.X, got.X)
		assert.Equal(t, p.Y, got.Y)
		assert.Equal(t, p.Z, got.Z)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, p.Color[c], got.Color[c], 1.0/255, "channel %d", c)
			assert.LessOrEqual(t, got.Color[c], p.Color[c]+1e-6, "quantization floors")
		}
	}
}

func TestAppend_ConcatenatesRecords(t *testing.T) {
	points := []pointstore.PointRecord{
		{X: 1, Y: 2, Z: 3, Color: [3]float32{0, 0, 1}},
		{X: -1, Y: -2, Z: -3, Color: [3]float32{1, 1, 1}},
		{X: 0.5, Y: 0.25, Z: 0.125},
	}

	var buf []byte
	for _, p := range points {
		buf = Append(buf, p)
	}
	require.Len(t, buf, 3*RecordSize)

	decoded, err := DecodeAll(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, float32(-2), decoded[1].Y)
	assert.Equal(t, float32(1), decoded[0].Color[2])
}

func TestDecode_ShortInput(t *testing.T) {
	_, err := Decode(make([]byte, RecordSize-1))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = DecodeAll(make([]byte, RecordSize+4))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTruncatedRecord)
}
