package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bertcore/internal/capability"
	"github.com/23skdu/longbow-bertcore/internal/client"
)

const maskTableTicket = "mask_table"

// MaskTableFlightServer serves the fused mask size table over DoGet.
type MaskTableFlightServer struct {
	flight.BaseFlightServer
	alloc memory.Allocator
}

func NewMaskTableFlightServer() *MaskTableFlightServer {
	return &MaskTableFlightServer{alloc: memory.NewGoAllocator()}
}

func (s *MaskTableFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if string(tkt.GetTicket()) != maskTableTicket {
		return status.Errorf(codes.NotFound, "unknown ticket %q", tkt.GetTicket())
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildMaskTable(capability.Table())
	if err != nil {
		return status.Errorf(codes.Internal, "build mask table: %v", err)
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.MaskTableSchema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	log.Debug().Int64("rows", rec.NumRows()).Msg("DoGet served mask table")
	return writer.Close()
}

// startFlightServer listens on addr and serves in the background.
func startFlightServer(addr string) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewMaskTableFlightServer())
	if err := server.Init(addr); err != nil {
		return nil, err
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting bertcore Flight server")
	go func() {
		if err := server.Serve(); err != nil {
			log.Error().Err(err).Msg("Flight server failed")
		}
	}()
	return server, nil
}
