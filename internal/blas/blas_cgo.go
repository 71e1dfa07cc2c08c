//go:build cgo

package blas

// With cgo available the CPU engine runs its sgemm calls through the system
// BLAS (Accelerate on macOS, OpenBLAS on Linux).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("impl", "netlib").Msg("CPU gemm engine using system BLAS")
}
