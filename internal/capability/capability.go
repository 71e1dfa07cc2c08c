// Package capability maps device compute capability, precision and sequence
// length to the packed attention-mask size the fused attention kernels expect.
package capability

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// Compute capability classes, major*10 + minor.
const (
	SM53 = 53
	SM70 = 70
	SM72 = 72
	SM75 = 75
	SM80 = 80
	SM86 = 86
	SM87 = 87
	SM89 = 89
	SM90 = 90
)

// Threads per CTA: warps_m * warps_n * warps_k * 32.
const (
	threadsPerCta128 = 2 * 2 * 32
	threadsPerCta384 = 1 * 8 * 32
)

// Number of XMMAs in the M dimension, one uint32 per XMMA:
// (s + 16*warps_m - 1) / (16*warps_m).
const (
	xmmasM128 = 4
	xmmasM384 = 24
)

// Packed mask size per batch. Layout is XMMAS_M * THREADS_PER_CTA.
const (
	UnfusedMaskSize   = 1
	PackedMaskSize64  = xmmasM128 * threadsPerCta128
	PackedMaskSize96  = xmmasM128 * threadsPerCta128
	PackedMaskSize128 = xmmasM128 * threadsPerCta128
	PackedMaskSize384 = xmmasM384 * threadsPerCta384
)

var (
	fusedSMs        = []int{SM75, SM80, SM86, SM87, SM90}
	fusedPrecisions = []dtype.DataType{dtype.Int8, dtype.Float16}
	fusedSeqLens    = []int{64, 96, 128, 384}
)

// Entry is one fused row of the mask size table.
type Entry struct {
	SM         int
	Precision  dtype.DataType
	SeqLen     int
	PackedSize int
}

// SMVersion folds a (major, minor) version pair into a capability class.
func SMVersion(major, minor int) int {
	return major*10 + minor
}

func smSupported(sm int) bool {
	for _, s := range fusedSMs {
		if s == sm {
			return true
		}
	}
	return false
}

func precisionSupported(t dtype.DataType) bool {
	return t == dtype.Int8 || t == dtype.Float16
}

func sizeForSeqLen(seqLen int) (int, bool) {
	switch seqLen {
	case 64:
		return PackedMaskSize64, true
	case 96:
		return PackedMaskSize96, true
	case 128:
		return PackedMaskSize128, true
	case 384:
		return PackedMaskSize384, true
	}
	return UnfusedMaskSize, false
}

// PackedMaskSize returns the number of packed mask elements per batch.
// Combinations outside the fused table resolve to UnfusedMaskSize.
//
// This must agree with the output shape of the embedding layer-norm plugin
// that produces the mask; downstream kernels read exactly this many elements.
func PackedMaskSize(sm int, t dtype.DataType, seqLen int) int {
	if !smSupported(sm) || !precisionSupported(t) {
		return UnfusedMaskSize
	}
	size, ok := sizeForSeqLen(seqLen)
	if !ok {
		log.Debug().Int("sm", sm).Str("precision", t.String()).Int("seq_len", seqLen).
			Msg("no fused mask layout, using unfused size")
	}
	return size
}

// IsFused reports whether the combination has a fused mask layout.
func IsFused(sm int, t dtype.DataType, seqLen int) bool {
	_, ok := sizeForSeqLen(seqLen)
	return ok && smSupported(sm) && precisionSupported(t)
}

// Table enumerates every fused combination.
func Table() []Entry {
	out := make([]Entry, 0, len(fusedSMs)*len(fusedPrecisions)*len(fusedSeqLens))
	for _, sm := range fusedSMs {
		for _, p := range fusedPrecisions {
			for _, s := range fusedSeqLens {
				out = append(out, Entry{SM: sm, Precision: p, SeqLen: s, PackedSize: PackedMaskSize(sm, p, s)})
			}
		}
	}
	return out
}

// PropertiesSource reports the compute capability of the current device.
type PropertiesSource interface {
	Properties() (major, minor int, err error)
}

// Query probes the current device and returns its capability class.
func Query(src PropertiesSource) (int, error) {
	major, minor, err := src.Properties()
	if err != nil {
		return 0, fmt.Errorf("query device properties: %w", err)
	}
	return SMVersion(major, minor), nil
}
