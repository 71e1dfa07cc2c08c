package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

func TestPackedMaskSize_FusedCombinations(t *testing.T) {
	want := map[int]int{64: 512, 96: 512, 128: 512, 384: 6144}

	for _, sm := range []int{75, 80, 86, 87, 90} {
		for _, p := range []dtype.DataType{dtype.Int8, dtype.Float16} {
			for seq, size := range want {
				assert.Equal(t, size, PackedMaskSize(sm, p, seq), "sm=%d p=%s seq=%d", sm, p, seq)
				assert.True(t, IsFused(sm, p, seq))
			}
		}
	}

	assert.Equal(t, 512, PackedMaskSize(75, dtype.Float16, 128))
	assert.Equal(t, 4*(2*2*32), PackedMaskSize(75, dtype.Float16, 128))
	assert.Equal(t, 24*(1*8*32), PackedMaskSize(75, dtype.Float16, 384))
}

func TestPackedMaskSize_Fallback(t *testing.T) {
	sms := []int{0, 53, 70, 72, 75, 80, 86, 87, 89, 90, 100}
	seqs := []int{0, 1, 32, 63, 64, 96, 128, 256, 384, 512}

	for _, sm := range sms {
		for _, p := range dtype.All() {
			for _, seq := range seqs {
				if IsFused(sm, p, seq) {
					continue
				}
				assert.Equal(t, UnfusedMaskSize, PackedMaskSize(sm, p, seq), "sm=%d p=%s seq=%d", sm, p, seq)
			}
		}
	}

	assert.Equal(t, 1, PackedMaskSize(89, dtype.Float16, 128))
	assert.Equal(t, 1, PackedMaskSize(80, dtype.Float32, 128))
	assert.Equal(t, 1, PackedMaskSize(80, dtype.Int8, 256))
}

func TestTable(t *testing.T) {
	entries := Table()
	require.Len(t, entries, 5*2*4)
	for _, e := range entries {
		assert.Equal(t, PackedMaskSize(e.SM, e.Precision, e.SeqLen), e.PackedSize)
		assert.NotEqual(t, UnfusedMaskSize, e.PackedSize)
	}
}

type fakeProps struct {
	major, minor int
	err          error
}

func (f fakeProps) Properties() (int, int, error) {
	return f.major, f.minor, f.err
}

func TestQuery(t *testing.T) {
	sm, err := Query(fakeProps{major: 8, minor: 6})
	require.NoError(t, err)
	assert.Equal(t, SM86, sm)

	assert.Equal(t, SM90, SMVersion(9, 0))

	boom := errors.New("no device")
	_, err = Query(fakeProps{err: boom})
	assert.ErrorIs(t, err, boom)
}
