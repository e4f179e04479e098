// Package engine orchestrates the per-block real-time pipeline: pulling
// source audio, applying pending filter updates from the control thread,
// running one convolver per channel plus an optional headphone
// equalization stage, summing, scaling, and clip detection.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/config"
	"binsimgo/internal/convolver"
	"binsimgo/internal/filterstorage"
	"binsimgo/internal/oscctl"
	"binsimgo/internal/pose"
	"binsimgo/internal/soundhandler"
	"binsimgo/internal/soundscene"
	"binsimgo/internal/telemetry"
)

// Sink is the output device boundary: Play must block until block has been
// accepted downstream, enforcing real-time cadence on the audio thread.
// block is (2, blockSize): index 0 is left, index 1 is right.
type Sink interface {
	Play(block [2][]float32) error
}

// Engine owns every preallocated resource the audio thread touches and
// runs the per-block procedure in a tight loop.
type Engine struct {
	cfg Config

	storage *filterstorage.Storage
	sound   *soundhandler.Handler
	osc     *oscctl.Receiver
	hub     *telemetry.Hub
	scene   *soundscene.Handler

	convolvers []*convolver.Convolver
	hpConv     *convolver.Convolver

	result [2][]float32

	clipWarned bool
}

// Config is config.Config plus the externally constructed components
// Engine needs; New wires a full Engine from it.
type Config struct {
	config.Config

	Storage *filterstorage.Storage
	Sound   *soundhandler.Handler
	Osc     *oscctl.Receiver
	Hub     *telemetry.Hub

	// Scene optionally mixes named, individually controllable sound
	// events onto input channels before convolution. Nil disables the
	// soundevent extension entirely.
	Scene *soundscene.Handler
}

// New wires an Engine from already-constructed components. fftPlan is
// shared read-only by every convolver in the engine, matching
// filterstorage's plan.
func New(cfg Config, fftPlan *algofft.PlanRealT[float32, complex64]) (*Engine, error) {
	if cfg.Storage == nil || cfg.Sound == nil || cfg.Osc == nil {
		return nil, fmt.Errorf("engine: storage, sound handler and osc receiver are required")
	}

	partitions := cfg.Partitions()

	e := &Engine{
		cfg:     cfg,
		storage: cfg.Storage,
		sound:   cfg.Sound,
		osc:     cfg.Osc,
		hub:     cfg.Hub,
		scene:   cfg.Scene,
	}

	e.convolvers = make([]*convolver.Convolver, cfg.MaxChannels)
	for i := range e.convolvers {
		e.convolvers[i] = convolver.New(fftPlan, cfg.BlockSize, partitions)
	}

	if cfg.UseHeadphoneFilter {
		hp, ok := cfg.Storage.Headphone()
		if !ok {
			return nil, fmt.Errorf("engine: useHeadphoneFilter is set but the manifest declares no headphone filter")
		}
		e.hpConv = convolver.New(fftPlan, cfg.BlockSize, len(hp.Left.Partitions))
		if err := e.hpConv.SetIR(hp, false); err != nil {
			return nil, fmt.Errorf("engine: initializing headphone convolver: %w", err)
		}
	}

	e.result[0] = make([]float32, cfg.BlockSize)
	e.result[1] = make([]float32, cfg.BlockSize)

	if cfg.SoundFile != "" {
		e.sound.RequestPlaylist(cfg.SoundFile)
	}

	return e, nil
}

// Run drives the per-block procedure against sink until ctx is cancelled
// or an unrecoverable error occurs. It never returns nil on success; the
// caller is expected to treat context.Canceled as a clean shutdown.
func (e *Engine) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.processBlock(); err != nil {
			return fmt.Errorf("engine: processing block: %w", err)
		}

		if err := sink.Play(e.result); err != nil {
			return fmt.Errorf("engine: sink: %w", err)
		}
	}
}

func (e *Engine) processBlock() error {
	if list, ok := e.osc.SoundFileList(); ok {
		e.sound.RequestPlaylist(list)
		e.publish(telemetry.Event{Kind: telemetry.EventFileLoaded, Detail: list})
	}

	if e.scene != nil {
		for _, cmd := range e.osc.DrainSoundevents() {
			if err := e.scene.Control(cmd.ID, cmd.Command, cmd.Arg, cmd.HasArg); err != nil {
				slog.Warn("engine: soundevent command failed", "id", cmd.ID, "command", cmd.Command, "error", err)
			}
		}
	}

	block := e.sound.BufferRead()
	channels := e.sound.Channels()
	if channels > len(e.convolvers) {
		channels = len(e.convolvers)
	}

	if e.scene != nil {
		scene := e.scene.RequestChunk()

		// A sound event may be placed on a channel the main playlist
		// source doesn't itself populate; extend block with silence up
		// to the scene's channel count (capped at the convolver count)
		// so that channel still gets convolved.
		sceneChannels := len(scene)
		if sceneChannels > len(e.convolvers) {
			sceneChannels = len(e.convolvers)
		}
		if sceneChannels > channels {
			for len(block) < sceneChannels {
				block = append(block, make([]float32, e.cfg.BlockSize))
			}
			channels = sceneChannels
		}

		for n := 0; n < channels && n < len(scene); n++ {
			mixInPlace(block[n], scene[n])
		}
	}

	first := true
	for n := 0; n < channels; n++ {
		if e.osc.IsFilterUpdateNecessary(n) {
			if err := e.applyFilterUpdate(n); err != nil {
				slog.Warn("engine: filter update failed, keeping previous filter", "channel", n, "error", err)
			}
		}

		left, right, err := e.convolvers[n].Process(block[n], block[n])
		if err != nil {
			return fmt.Errorf("channel %d: %w", n, err)
		}

		if first {
			copy(e.result[0], left)
			copy(e.result[1], right)
			first = false
			continue
		}

		for i := range left {
			e.result[0][i] += left[i]
			e.result[1][i] += right[i]
		}
	}

	if first {
		clearFloat(e.result[0])
		clearFloat(e.result[1])
	}

	if e.hpConv != nil {
		hl, hr, err := e.hpConv.Process(e.result[0], e.result[1])
		if err != nil {
			return fmt.Errorf("headphone convolver: %w", err)
		}
		copy(e.result[0], hl)
		copy(e.result[1], hr)
	}

	scale := float32(e.cfg.LoudnessFactor / (2 * float64(maxInt(channels, 1))))
	scaleInPlace(e.result[0], scale)
	scaleInPlace(e.result[1], scale)

	e.checkClip()

	return nil
}

func (e *Engine) applyFilterUpdate(channel int) error {
	values := e.osc.CurrentValues(channel)

	key, err := pose.FromValues(values)
	if err != nil {
		return err
	}

	filter, err := e.storage.Get(key)
	if err != nil {
		return err
	}

	if err := e.convolvers[channel].SetIR(filter, e.cfg.EnableCrossfading); err != nil {
		return err
	}

	e.publish(telemetry.Event{Kind: telemetry.EventFilterSwapped, Channel: channel})

	return nil
}

func (e *Engine) checkClip() {
	peak := peakAbs(e.result[0])
	if r := peakAbs(e.result[1]); r > peak {
		peak = r
	}

	if peak > 1.0 {
		if !e.clipWarned {
			slog.Warn("engine: output clipped", "peak", peak)
			e.publish(telemetry.Event{Kind: telemetry.EventClipWarning, Detail: fmt.Sprintf("peak=%.3f", peak)})
		}
		e.clipWarned = true
		return
	}

	e.clipWarned = false
}

func (e *Engine) publish(ev telemetry.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}

// Close shuts the engine's owned components down in the order the
// concurrency model requires: control thread, loader thread, filter
// storage, then convolvers (which hold no external resources but are
// reset for symmetry).
func (e *Engine) Close() error {
	var firstErr error

	if err := e.osc.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.sound.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	for _, c := range e.convolvers {
		c.Reset()
	}
	if e.hpConv != nil {
		e.hpConv.Reset()
	}

	return firstErr
}

func mixInPlace(dst, src []float32) {
	for i := range dst {
		if i >= len(src) {
			return
		}
		dst[i] += src[i]
	}
}

func clearFloat(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

func scaleInPlace(s []float32, factor float32) {
	for i := range s {
		s[i] *= factor
	}
}

func peakAbs(s []float32) float32 {
	var max float32
	for _, v := range s {
		a := float32(math.Abs(float64(v)))
		if a > max {
			max = a
		}
	}
	return max
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
