package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		cfg            GeneratorConfig
		duration       time.Duration
		reportInterval time.Duration
	)

	flagSet := pflag.NewFlagSet("loadgen", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Output, "output", "o", "/usr/backend/app.log", "file to append generated lines to")
	flagSet.IntVarP(&cfg.Rate, "rate", "r", 1000, "lines per second across all workers")
	flagSet.IntVarP(&cfg.Workers, "workers", "w", 4, "number of writer goroutines")
	flagSet.StringSliceVar(&cfg.Levels, "levels", []string{"INFO", "INFO", "INFO", "WARN", "ERROR", "DEBUG"}, "levels to pick from, repeat one to weight it")
	flagSet.Int64Var(&cfg.RotateBytes, "rotate-bytes", 0, "rename the file to <output>.1 once it grows past this size, 0 disables")
	flagSet.DurationVarP(&duration, "duration", "d", time.Minute, "how long to generate for")
	flagSet.DurationVar(&reportInterval, "interval", 5*time.Second, "progress report interval")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	gen, err := NewGenerator(cfg)
	if err != nil {
		return err
	}
	defer gen.Close()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("output", cfg.Output).
		Int("rate", cfg.Rate).
		Int("workers", cfg.Workers).
		Dur("duration", duration).
		Msg("Starting load generator")

	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gen.Stats().Report(logger)
			}
		}
	}()

	if err := gen.Run(ctx); err != nil {
		return err
	}

	gen.Stats().Report(logger)
	return nil
}

// Stats tracks generator progress
type Stats struct {
	linesWritten uint64
	bytesWritten uint64
	writeErrors  uint64
	rotations    uint64
	startTime    time.Time
}

// Report logs totals and rates since the generator started
func (s *Stats) Report(logger *logging.Logger) {
	elapsed := time.Since(s.startTime).Seconds()
	lines := atomic.LoadUint64(&s.linesWritten)

	logger.Info().
		Uint64("lines", lines).
		Float64("lines_per_sec", float64(lines)/elapsed).
		Uint64("bytes", atomic.LoadUint64(&s.bytesWritten)).
		Uint64("write_errors", atomic.LoadUint64(&s.writeErrors)).
		Uint64("rotations", atomic.LoadUint64(&s.rotations)).
		Msg("Load generator progress")
}
