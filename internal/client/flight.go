package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter ships a record batch to a named dataset.
type Exporter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// ensure interface compliance
var _ Exporter = (*FlightClient)(nil)

// FlightClient talks to a Longbow server over Arrow Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	alloc  memory.Allocator
}

func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
		alloc:  memory.NewGoAllocator(),
	}, nil
}

// DoPut streams record to datasetName and waits for the server to finish
// reading it.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open put stream: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write %s: %w", datasetName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("put %s: %w", datasetName, err)
		}
	}
}

// DoGet fetches every record batch behind ticket. Callers release the
// returned batches.
func (c *FlightClient) DoGet(ctx context.Context, ticket string) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ticket, err)
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ticket, err)
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range out {
			rec.Release()
		}
		return nil, fmt.Errorf("read %s: %w", ticket, err)
	}
	return out, nil
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
