package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-bertcore/internal/blas"
	"github.com/23skdu/longbow-bertcore/internal/cache"
	"github.com/23skdu/longbow-bertcore/internal/capability"
	"github.com/23skdu/longbow-bertcore/internal/client"
	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

var printer = message.NewPrinter(language.English)

func runMaskSize(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("masksize", flag.ContinueOnError)
	sm := fs.Int("sm", 0, "SM version, e.g. 80 for compute capability 8.0")
	prec := fs.String("precision", "fp16", "Precision (fp32, fp16, int8)")
	seq := fs.Int("seq", 128, "Sequence length")
	probe := fs.Bool("probe", false, "Read the SM version from the device instead of -sm")
	backend := fs.String("backend", "cpu", "Device backend used by -probe (cpu, cuda)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := dtype.Parse(*prec)
	if err != nil {
		return err
	}

	version := *sm
	if *probe {
		rt, err := device.Open(*backend, 0)
		if err != nil {
			return err
		}
		if version, err = capability.Query(rt); err != nil {
			return err
		}
		log.Debug().Int("sm", version).Str("backend", rt.Name()).Msg("Probed device")
	}

	size := capability.PackedMaskSize(version, t, *seq)
	_, err = fmt.Fprintln(out, size)
	return err
}

func runTable(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("table", flag.ContinueOnError)
	serverAddr := fs.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName := fs.String("dataset", "bertcore_mask_sizes", "Target dataset name on server")
	retries := fs.Int("retries", 3, "Attempts before giving up on the server")
	timeout := fs.Duration("timeout", 60*time.Second, "Export timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries := capability.Table()
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildMaskTable(entries)
	if err != nil {
		return err
	}
	defer rec.Release()

	if *serverAddr == "" {
		return writeArrowStream(out, rec)
	}

	log.Info().Int("rows", len(entries)).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending mask table to Longbow")
	fc, err := client.NewFlightClient(*serverAddr)
	if err != nil {
		return err
	}
	exp := client.NewGuardedExporter(fc, client.NewCircuitBreaker(*retries, *timeout), *retries, 500*time.Millisecond)
	defer func() {
		if err := exp.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := exp.DoPut(ctx, *datasetName, rec); err != nil {
		return err
	}
	log.Info().Msg("Successfully sent mask table to Longbow")
	return nil
}

func runConvert(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	in := fs.String("in", "", "Raw little-endian weight file")
	from := fs.String("from", "fp32", "Precision of the input file")
	to := fs.String("to", "fp16", "Target precision")
	name := fs.String("name", "", "Weight name stored in the bundle (defaults to the input file name)")
	outPath := fs.String("out", "", "Bundle file to write (appends when it exists)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *outPath == "" {
		return fmt.Errorf("convert: -in and -out are required")
	}

	src, err := dtype.Parse(*from)
	if err != nil {
		return err
	}
	dst, err := dtype.Parse(*to)
	if err != nil {
		return err
	}

	raw, err := weights.LoadRawFile(*in, src)
	if err != nil {
		return err
	}
	w, err := weights.Convert(raw, dst)
	if err != nil {
		return err
	}

	weightName := *name
	if weightName == "" {
		weightName = *in
	}

	var bundle []weights.Named
	if existing, err := os.ReadFile(*outPath); err == nil {
		if bundle, err = weights.DecodeBundle(existing); err != nil {
			return fmt.Errorf("read existing bundle %s: %w", *outPath, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	bundle = append(bundle, weights.Named{Name: weightName, Weight: w})

	var buf bytes.Buffer
	if err := weights.EncodeBundle(&buf, bundle); err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
		return err
	}

	printer.Fprintf(out, "%s: %d %s values, %d bytes -> %d bytes %s\n",
		weightName, w.Count(), src, raw.Size(), w.Size(), dst)
	return nil
}

func runInspect(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	in := fs.String("in", "", "Bundle file")
	backend := fs.String("backend", "cpu", "Device backend to stage on (cpu, cuda)")
	asArrow := fs.Bool("arrow", false, "Write the manifest as Arrow IPC instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("inspect: -in is required")
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	bundle, err := weights.DecodeBundle(data)
	if err != nil {
		return err
	}

	rt, err := device.Open(*backend, 0)
	if err != nil {
		return err
	}
	st := newStager(rt)
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release staged weights")
		}
	}()

	for _, nw := range bundle {
		if err := st.Stage(nw.Name, nw.Weight); err != nil {
			return err
		}
	}
	used, _ := rt.MemInfo()
	log.Info().Int("weights", len(bundle)).Int64("device_bytes", used).Str("backend", rt.Name()).Msg("Staged bundle")

	if *asArrow {
		rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildWeightManifest(bundle)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		defer rec.Release()
		return writeArrowStream(out, rec)
	}

	for _, nw := range bundle {
		printer.Fprintf(out, "%-32s %-5s %12d values %14d bytes\n", nw.Name, nw.Weight.Type(), nw.Weight.Count(), nw.Weight.Size())
	}
	return nil
}

func runBench(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	m := fs.Int("m", 64, "Rows of op(A) and C")
	n := fs.Int("n", 64, "Columns of op(B) and C")
	k := fs.Int("k", 64, "Inner dimension")
	batch := fs.Int("batch", 12, "Batch count")
	prec := fs.String("precision", "fp32", "Precision (fp32, fp16)")
	iters := fs.Int("iters", 10, "Iterations")
	ex := fs.Bool("ex", false, "Use the typed Ex entry point")
	backend := fs.String("backend", "cpu", "Device backend (cpu, cuda)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	t, err := dtype.Parse(*prec)
	if err != nil {
		return err
	}
	rt, err := device.Open(*backend, 0)
	if err != nil {
		return err
	}
	engine, err := blas.NewEngine(rt)
	if err != nil {
		return err
	}
	if c, ok := engine.(io.Closer); ok {
		defer c.Close()
	}

	cfg := benchConfig{m: *m, n: *n, k: *k, batch: *batch, iters: *iters, ex: *ex}
	var elapsed time.Duration
	switch t {
	case dtype.Float32:
		elapsed, err = benchKernel(ctx, blas.Float, engine, rt, cfg, 1, 0)
	case dtype.Float16:
		elapsed, err = benchKernel(ctx, blas.Half, engine, rt, cfg, float16.Fromfloat32(1), float16.Fromfloat32(0))
	default:
		return fmt.Errorf("bench: %w: %s", dtype.ErrUnsupportedPrecision, t)
	}
	if err != nil {
		return err
	}

	flops := 2 * float64(*m) * float64(*n) * float64(*k) * float64(*batch) * float64(*iters)
	printer.Fprintf(out, "%s %dx%dx%d batch %d: %d iterations in %v (%.2f GFLOP/s)\n",
		t, *m, *n, *k, *batch, *iters, elapsed.Round(time.Microsecond), flops/elapsed.Seconds()/1e9)
	return nil
}

type benchConfig struct {
	m, n, k, batch, iters int
	ex                    bool
}

func benchKernel[T blas.Element](ctx context.Context, kern blas.Kernel[T], e blas.Engine, rt device.Runtime, cfg benchConfig, alpha, beta T) (time.Duration, error) {
	_, span := tracer.Start(ctx, "bench")
	defer span.End()
	span.SetAttributes(
		attribute.String("precision", kern.DataType().String()),
		attribute.Int("batch", cfg.batch),
	)

	rng := rand.New(rand.NewSource(1))
	stage := func(count int) (*device.DeviceBuffer[T], error) {
		vals := make([]float32, count)
		for i := range vals {
			vals[i] = rng.Float32()*2 - 1
		}
		w, err := weights.Convert(weights.RawFloat32(vals), kern.DataType())
		if err != nil {
			return nil, err
		}
		return device.Stage[T](rt, w)
	}

	a, err := stage(cfg.m * cfg.k * cfg.batch)
	if err != nil {
		return 0, err
	}
	defer a.Free()
	b, err := stage(cfg.k * cfg.n * cfg.batch)
	if err != nil {
		return 0, err
	}
	defer b.Free()
	c, err := stage(cfg.m * cfg.n * cfg.batch)
	if err != nil {
		return 0, err
	}
	defer c.Free()

	strideA, strideB, strideC := int64(cfg.m*cfg.k), int64(cfg.k*cfg.n), int64(cfg.m*cfg.n)
	var elapsed time.Duration
	err = blas.WithComputeMode(e, func() error {
		start := time.Now()
		for i := 0; i < cfg.iters; i++ {
			var err error
			if cfg.ex {
				err = kern.GemmStridedBatchedEx(e, blas.OpN, blas.OpN, cfg.m, cfg.n, cfg.k, alpha,
					a.Ptr(), cfg.m, strideA, b.Ptr(), cfg.k, strideB,
					beta, c.Ptr(), cfg.m, strideC, cfg.batch, blas.AlgoDefaultTensorOp)
			} else {
				err = kern.GemmStridedBatched(e, blas.OpN, blas.OpN, cfg.m, cfg.n, cfg.k, alpha,
					a.Ptr(), cfg.m, strideA, b.Ptr(), cfg.k, strideB,
					beta, c.Ptr(), cfg.m, strideC, cfg.batch)
			}
			if err != nil {
				return err
			}
		}
		elapsed = time.Since(start)
		return nil
	})
	recordSpanError(span, err)
	return elapsed, err
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// stager places float weights in typed shared caches and everything else in
// plain byte buffers. Staging a name again replaces the earlier weight.
type stager struct {
	mu    sync.Mutex
	rt    device.Runtime
	half  *cache.WeightCache[float16.Float16]
	float *cache.WeightCache[float32]
	raw   map[string]*device.DeviceBuffer[byte]
}

func newStager(rt device.Runtime) *stager {
	return &stager{
		rt:    rt,
		half:  cache.NewWeightCache[float16.Float16](),
		float: cache.NewWeightCache[float32](),
		raw:   make(map[string]*device.DeviceBuffer[byte]),
	}
}

func (s *stager) Stage(name string, w *weights.Owned) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dropLocked(name); err != nil {
		return fmt.Errorf("replace %q: %w", name, err)
	}

	switch w.Type() {
	case dtype.Float16:
		h, err := s.half.GetOrStage(name, s.rt, w)
		if err != nil {
			return err
		}
		return h.Release()
	case dtype.Float32:
		h, err := s.float.GetOrStage(name, s.rt, w)
		if err != nil {
			return err
		}
		return h.Release()
	default:
		buf, err := device.StageBytes[byte](s.rt, w.Bytes(), w.Size())
		if err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		s.raw[name] = buf
		return nil
	}
}

func (s *stager) dropLocked(name string) error {
	var errs []error
	if b, ok := s.raw[name]; ok {
		delete(s.raw, name)
		errs = append(errs, b.Free())
	}
	errs = append(errs, s.half.Drop(name), s.float.Drop(name))
	return errors.Join(errs...)
}

func (s *stager) Close() error {
	s.mu.Lock()
	raw := s.raw
	s.raw = make(map[string]*device.DeviceBuffer[byte])
	s.mu.Unlock()

	var errs []error
	for name, b := range raw {
		if err := b.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free %q: %w", name, err))
		}
	}
	if err := s.half.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.float.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
