package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bertcore/internal/capability"
	"github.com/23skdu/longbow-bertcore/internal/client"
)

func TestMaskTableFlightServer_DoGet(t *testing.T) {
	fsrv, err := startFlightServer("localhost:0")
	require.NoError(t, err)
	defer fsrv.Shutdown()

	fc, err := client.NewFlightClient(fsrv.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := fc.DoGet(ctx, maskTableTicket)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, int64(len(capability.Table())), recs[0].NumRows())
	assert.Equal(t, client.MaskTableSchema.NumFields(), int(recs[0].NumCols()))

	_, err = fc.DoGet(ctx, "weights")
	assert.Error(t, err)
}
