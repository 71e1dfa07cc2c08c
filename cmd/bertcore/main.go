package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	logLevel   = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

type command struct {
	usage string
	run   func(ctx context.Context, args []string, out io.Writer) error
}

var commands = map[string]command{
	"masksize": {"print the packed attention mask size for a device, precision and sequence length", runMaskSize},
	"table":    {"export the fused mask size table as Arrow IPC or to a Longbow server", runTable},
	"convert":  {"convert a raw little-endian weight file into a bundle", runConvert},
	"inspect":  {"decode a bundle and stage its weights on a device", runInspect},
	"bench":    {"run strided batched GEMM inside a compute mode scope", runBench},
	"serve":    {"serve mask sizes and weight conversion over HTTP and Flight", runServe},
}

var tracer = otel.Tracer("bertcore")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: bertcore [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-9s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(flag.CommandLine.Output(), "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Usage = usage
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		log.Error().Str("command", name).Msg("Unknown command")
		flag.Usage()
		os.Exit(2)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if err := execute(context.Background(), name, cmd, flag.Args()[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Error().Err(err).Str("command", name).Msg("Command failed")
		// Deferred shutdowns do not run after os.Exit.
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

func execute(ctx context.Context, name string, cmd command, args []string, out io.Writer) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := cmd.run(ctx, args, out)
	recordSpanError(span, err)
	return err
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bertcore"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

// parseBytes reads sizes such as 4GB, 512MB, 64K or 1024.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &val, &unit); err != nil && unit == "" {
		if _, err := fmt.Sscanf(s, "%d", &val); err != nil {
			return 0, fmt.Errorf("invalid size %q", s)
		}
	}

	switch unit {
	case "GB", "G":
		return val << 30, nil
	case "MB", "M":
		return val << 20, nil
	case "KB", "K":
		return val << 10, nil
	case "", "B":
		return val, nil
	default:
		return 0, fmt.Errorf("invalid size unit %q", unit)
	}
}
