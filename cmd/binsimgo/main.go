// Command binsimgo runs the real-time dynamic binaural synthesis engine:
// it loads a config file and filter manifest, opens a sound output, and
// processes audio blocks until interrupted.
//
// Usage:
//
//	binsimgo [options]
//
// Options:
//
//	-config          Path to the config file (default "binsim.conf")
//	-cache           Path to a prebuilt filter cache (optional)
//	-control-addr    UDP address to listen for control messages on
//	-monitor-port    HTTP port for the telemetry WebSocket, 0 disables it
//	-output          "device" (default) or a path to render to a WAV file
//	-log             Path to the log file (default stderr)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/audiofile"
	"binsimgo/internal/audiosink"
	"binsimgo/internal/config"
	"binsimgo/internal/engine"
	"binsimgo/internal/filterstorage"
	"binsimgo/internal/oscctl"
	"binsimgo/internal/soundhandler"
	"binsimgo/internal/soundscene"
	"binsimgo/internal/telemetry"
)

var (
	configPath  = flag.String("config", "binsim.conf", "Path to the config file")
	cachePath   = flag.String("cache", "", "Path to a prebuilt filter cache")
	controlAddr = flag.String("control-addr", "127.0.0.1:10000", "UDP address to listen for control messages on")
	monitorPort = flag.Int("monitor-port", 0, "HTTP port for the telemetry WebSocket, 0 disables it")
	output      = flag.String("output", "device", `"device" or a path to render to a WAV file`)
	logPath     = flag.String("log", "", "Path to the log file (default stderr)")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := setupLogging(*logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		slog.Error("binsimgo: fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogging(path string) error {
	if path == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(f, nil)))
	return nil
}

func run() error {
	cfg, err := config.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	storage, err := filterstorage.Load(cfg.FilterList, cfg.BlockSize, *cachePath)
	if err != nil {
		return fmt.Errorf("loading filter storage: %w", err)
	}

	sound := soundhandler.New(cfg.BlockSize, cfg.MaxChannels, float64(cfg.SamplingRate), cfg.LoopSound)

	var scene *soundscene.Handler
	if cfg.SoundEventList != "" {
		scene = soundscene.New(cfg.BlockSize, cfg.MaxChannels, float64(cfg.SamplingRate))
		if err := scene.LoadSoundFiles(strings.Split(cfg.SoundEventList, ";"), decodeAudioFile); err != nil {
			return fmt.Errorf("loading sound events: %w", err)
		}
	}

	osc, err := oscctl.Listen(*controlAddr, cfg.MaxChannels)
	if err != nil {
		return fmt.Errorf("starting control listener: %w", err)
	}

	hub := telemetry.NewHub()
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	monitor := telemetry.NewServer(hub, *monitorPort)
	monitor.Start()
	defer monitor.Close()

	plan, err := algofft.NewPlanReal32(2 * cfg.BlockSize)
	if err != nil {
		return fmt.Errorf("creating FFT plan: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Config:  cfg,
		Storage: storage,
		Sound:   sound,
		Osc:     osc,
		Hub:     hub,
		Scene:   scene,
	}, plan)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	sink, closeSink, err := openSink(*output, cfg)
	if err != nil {
		return fmt.Errorf("opening output sink: %w", err)
	}
	defer closeSink()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := eng.Run(ctx, sink)

	if closeErr := eng.Close(); closeErr != nil {
		slog.Error("binsimgo: error during shutdown", "error", closeErr)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}

func decodeAudioFile(path string) (*audiofile.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return audiofile.Decode(f)
}

func openSink(output string, cfg config.Config) (engine.Sink, func(), error) {
	if output == "device" {
		sink, err := audiosink.OpenPortAudio(float64(cfg.SamplingRate), cfg.BlockSize)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { sink.Close() }, nil
	}

	f, err := os.Create(output)
	if err != nil {
		return nil, nil, err
	}

	sink := audiosink.NewWavFile(f, cfg.SamplingRate, cfg.BlockSize)
	return sink, func() {
		sink.Close()
		f.Close()
	}, nil
}
