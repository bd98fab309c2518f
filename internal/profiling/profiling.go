package profiling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	CPUProfilePath     string // Path for CPU profile output
	MemProfilePath     string // Path for heap profile output, written on Stop
	BlockProfile       bool
	MutexProfile       bool
	GoroutineThreshold int           // Warn if goroutines exceed this
	MonitorInterval    time.Duration // How often the goroutine count is sampled
}

// Profiler serves pprof on the shipper's HTTP mux and manages file profiles
type Profiler struct {
	config Config
	logger *logging.Logger

	cpuFile *os.File

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Global()
	}
	if config.GoroutineThreshold == 0 {
		config.GoroutineThreshold = 10000
	}
	if config.MonitorInterval == 0 {
		config.MonitorInterval = 30 * time.Second
	}

	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Register mounts the pprof handlers and runtime stats endpoints on mux
func (p *Profiler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/debug/stats", p.statsHandler)
	mux.HandleFunc("/debug/gc", p.gcHandler)
}

// Start enables the configured profiles and goroutine monitoring
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
		p.logger.Info().Msg("Block profiling enabled")
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
		p.logger.Info().Msg("Mutex profiling enabled")
	}

	if p.config.CPUProfilePath != "" {
		if err := p.startCPUProfile(); err != nil {
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitorGoroutines(ctx)

	p.started = true
	return nil
}

// Stop ends CPU profiling and writes the heap profile if configured
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	p.started = false

	p.cancel()
	<-p.done

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}

	var err error
	if p.cpuFile != nil {
		runtimepprof.StopCPUProfile()
		err = p.cpuFile.Close()
		p.cpuFile = nil
		p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
	}

	if p.config.MemProfilePath != "" {
		if memErr := p.writeMemProfile(); memErr != nil {
			p.logger.Error().Err(memErr).Msg("Failed to write memory profile")
			if err == nil {
				err = memErr
			}
		}
	}
	return err
}

func (p *Profiler) startCPUProfile() error {
	f, err := os.Create(p.config.CPUProfilePath)
	if err != nil {
		return err
	}

	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}

	p.cpuFile = f
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	return nil
}

func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC() // Get up-to-date statistics

	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return err
	}

	p.logger.Info().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

func (p *Profiler) monitorGoroutines(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := runtime.NumGoroutine()
			if count > p.config.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.config.GoroutineThreshold).
					Msg("High goroutine count detected")
			} else {
				p.logger.Debug().Int("goroutines", count).Msg("Goroutine count")
			}
		}
	}
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Runtime Statistics\n")
	fmt.Fprintf(w, "==================\n\n")
	fmt.Fprintf(w, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(w, "GOMAXPROCS: %d\n\n", runtime.GOMAXPROCS(0))

	fmt.Fprintf(w, "Memory Statistics\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Alloc: %d MB\n", m.Alloc/1024/1024)
	fmt.Fprintf(w, "TotalAlloc: %d MB\n", m.TotalAlloc/1024/1024)
	fmt.Fprintf(w, "Sys: %d MB\n", m.Sys/1024/1024)
	fmt.Fprintf(w, "HeapAlloc: %d MB\n", m.HeapAlloc/1024/1024)
	fmt.Fprintf(w, "HeapInuse: %d MB\n", m.HeapInuse/1024/1024)
	fmt.Fprintf(w, "HeapObjects: %d\n\n", m.HeapObjects)

	fmt.Fprintf(w, "GC Statistics\n")
	fmt.Fprintf(w, "=============\n\n")
	fmt.Fprintf(w, "NumGC: %d\n", m.NumGC)
	fmt.Fprintf(w, "PauseTotalNs: %d ms\n", m.PauseTotalNs/1000000)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "LastGC: %s\n", time.Unix(0, int64(m.LastGC)).Format(time.RFC3339))
	}
}

// gcHandler triggers a collection; POST only
func (p *Profiler) gcHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	before := GetMemoryStats().Alloc
	runtime.GC()
	after := GetMemoryStats().Alloc

	fmt.Fprintf(w, "Memory before GC: %d MB\n", before/1024/1024)
	fmt.Fprintf(w, "Memory after GC: %d MB\n", after/1024/1024)
}

// GetMemoryStats returns current memory statistics
func GetMemoryStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
