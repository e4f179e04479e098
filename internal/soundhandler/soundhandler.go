// Package soundhandler provides the asynchronous, double-buffered block
// producer the engine pulls its per-block input from: a background loader
// thread decodes playlist files off the audio thread, handing decoded
// sources across a single atomic pointer swap.
package soundhandler

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"binsimgo/internal/audiofile"
)

// loaderPollInterval matches the ~20 Hz poll rate of the reference
// implementation's background file-loading thread.
const loaderPollInterval = 50 * time.Millisecond

// loadedSource is the fully decoded, zero-padded playlist entry handed from
// the loader goroutine to the realtime reader.
type loadedSource struct {
	data       [][]float32
	sampleRate float64
}

// Handler owns the sliding (channels, 2*blockSize) buffer the engine reads
// one block at a time from, and the background goroutine that keeps it fed
// from the active playlist entry.
type Handler struct {
	blockSize  int
	maxChannels int
	sampleRate float64
	loop       bool

	mu            sync.Mutex
	buffer        [][]float32 // [channel][2*blockSize]
	activeChannels int
	source         [][]float32
	readPos        int

	playlist     []string
	playlistIdx  int

	pending  atomic.Pointer[loadedSource]
	requested atomic.Bool
	requestedPath atomic.Pointer[string]

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a handler and starts its background loader goroutine.
func New(blockSize, maxChannels int, sampleRate float64, loop bool) *Handler {
	h := &Handler{
		blockSize:   blockSize,
		maxChannels: maxChannels,
		sampleRate:  sampleRate,
		loop:        loop,
		buffer:      make([][]float32, maxChannels),
		stop:        make(chan struct{}),
	}
	for i := range h.buffer {
		h.buffer[i] = make([]float32, 2*blockSize)
	}

	h.wg.Add(1)
	go h.loaderLoop()

	return h
}

// RequestPlaylist sets a new '#'-separated playlist to play. The first
// entry becomes the next active source once decoded; later entries are
// queued and advanced through automatically as each one is exhausted.
func (h *Handler) RequestPlaylist(spec string) {
	if spec == "" {
		return
	}

	files := strings.Split(spec, "#")

	h.mu.Lock()
	h.playlist = files
	h.playlistIdx = 0
	h.mu.Unlock()

	h.requestFile(files[0])
}

func (h *Handler) requestFile(path string) {
	p := path
	h.requestedPath.Store(&p)
	h.requested.Store(true)
}

// Channels returns the number of channels in the currently active source.
func (h *Handler) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeChannels
}

// BufferRead returns the next block for every active channel and slides a
// new block into the tail of the buffer. It never blocks on file I/O: if no
// new data is ready, the tail is filled with silence.
func (h *Handler) BufferRead() [][]float32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if loaded := h.pending.Swap(nil); loaded != nil {
		h.adoptLoadedLocked(loaded)
	}

	out := make([][]float32, h.activeChannels)
	for ch := 0; ch < h.activeChannels; ch++ {
		front := make([]float32, h.blockSize)
		copy(front, h.buffer[ch][:h.blockSize])
		out[ch] = front
	}

	h.slideLocked()

	return out
}

func (h *Handler) adoptLoadedLocked(loaded *loadedSource) {
	h.source = loaded.data
	h.readPos = 0
	h.activeChannels = len(loaded.data)
	if h.activeChannels > h.maxChannels {
		h.activeChannels = h.maxChannels
	}

	for ch := range h.buffer {
		for i := range h.buffer[ch] {
			h.buffer[ch][i] = 0
		}
	}

	slog.Info("soundhandler: new source active", "channels", h.activeChannels)
}

// slideLocked shifts each channel buffer left by blockSize and appends the
// next chunk of audio, advancing the playlist or looping as needed. Caller
// must hold h.mu.
func (h *Handler) slideLocked() {
	for ch := range h.buffer {
		copy(h.buffer[ch][:h.blockSize], h.buffer[ch][h.blockSize:])
	}

	b := h.blockSize

	if h.source != nil && h.readPos+b <= len(h.source[0]) {
		for ch := 0; ch < h.activeChannels && ch < len(h.source); ch++ {
			copy(h.buffer[ch][b:], h.source[ch][h.readPos:h.readPos+b])
		}
		h.readPos += b
		return
	}

	// Current source exhausted. Whether or not a reload was initiated,
	// the tail must go silent: a stale block from the exhausted source
	// would otherwise be replayed on every BufferRead call for the
	// duration of the loader's poll window.
	if !h.advancePlaylistLocked() {
		if h.loop && len(h.playlist) > 0 && !h.requested.Load() {
			h.playlistIdx = 0
			h.requestFile(h.playlist[0])
		}
	}

	for ch := range h.buffer {
		for i := b; i < 2*b; i++ {
			h.buffer[ch][i] = 0
		}
	}
}

// advancePlaylistLocked requests the next playlist entry if one exists and
// no load is already pending. Returns true if an advance was initiated
// (silence is emitted for this block while it loads).
func (h *Handler) advancePlaylistLocked() bool {
	if h.requested.Load() {
		return true
	}
	if h.playlistIdx+1 >= len(h.playlist) {
		return false
	}

	h.playlistIdx++
	h.requestFile(h.playlist[h.playlistIdx])
	return true
}

// loaderLoop is the background ~20 Hz poller that decodes a requested
// playlist entry off the audio thread.
func (h *Handler) loaderLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(loaderPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !h.requested.Load() {
				continue
			}

			pathPtr := h.requestedPath.Load()
			h.requested.Store(false)
			if pathPtr == nil {
				continue
			}

			loaded, err := h.decode(*pathPtr)
			if err != nil {
				slog.Error("soundhandler: failed to load sound file", "path", *pathPtr, "error", err)
				continue
			}

			h.pending.Store(loaded)
		}
	}
}

func (h *Handler) decode(path string) (*loadedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, err := audiofile.Decode(f)
	if err != nil {
		return nil, err
	}
	if src.SampleRate != h.sampleRate {
		return nil, fmt.Errorf("soundhandler: sample rate %v of %s does not match engine rate %v",
			src.SampleRate, path, h.sampleRate)
	}

	data := make([][]float32, len(src.Data))
	padded := ((len(src.Data[0]) + h.blockSize - 1) / h.blockSize) * h.blockSize
	if padded == 0 {
		padded = h.blockSize
	}
	for ch := range data {
		buf := make([]float32, padded)
		copy(buf, src.Data[ch])
		data[ch] = buf
	}

	return &loadedSource{data: data, sampleRate: src.SampleRate}, nil
}

// Close stops the background loader goroutine.
func (h *Handler) Close() error {
	close(h.stop)
	h.wg.Wait()
	return nil
}
