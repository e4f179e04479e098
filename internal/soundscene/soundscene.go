// Package soundscene implements the optional soundevent extension: a
// named-event mixer that places looping or one-shot samples onto output
// channels under control of /pyBinSimSoundevent commands, independent of
// the main playlist driven by internal/soundhandler.
package soundscene

import (
	"fmt"
	"log/slog"
	"sync"

	"binsimgo/internal/audiofile"
)

// Event is one loaded sound clip tracked under a scene key, playing either
// once or looped, and placed onto a single output channel.
type Event struct {
	mu sync.Mutex

	data      [][]float32 // [channel][sample], pre-padded to a multiple of chunkSize
	chunkSize int

	loop    bool
	running bool
	channel int
	frame   int
}

// NewEvent wraps already-decoded, chunk-padded sound data as a new event.
// loop selects whether playback restarts at end-of-data or stops and goes
// idle.
func NewEvent(data [][]float32, chunkSize int, loop bool) *Event {
	return &Event{
		data:      data,
		chunkSize: chunkSize,
		loop:      loop,
		running:   loop,
	}
}

// Start begins or resumes playback, optionally moving the event to a new
// output channel first.
func (e *Event) Start(channel int, hasChannel bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hasChannel {
		e.channel = channel
	}
	e.running = true
}

// Stop halts playback and rewinds to the first frame.
func (e *Event) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frame = 0
	e.running = false
}

// Pause halts playback without rewinding.
func (e *Event) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// Place moves the event to a new output channel without affecting
// playback state.
func (e *Event) Place(channel int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = channel
}

// requestChunk returns the next chunkSize-sample block for every channel
// of this event's source, or nil if the event is not currently running.
// A one-shot event that reaches its end stops itself and emits one final
// block of silence; a looping event restarts from frame 0.
func (e *Event) requestChunk() [][]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	total := len(e.data[0])
	start := e.frame * e.chunkSize

	if start >= total {
		if e.loop {
			e.frame = 1
			return sliceChunk(e.data, 0, e.chunkSize)
		}
		e.frame = 0
		e.running = false
		return silence(len(e.data), e.chunkSize)
	}

	end := start + e.chunkSize
	if end > total {
		end = total
	}

	chunk := sliceChunk(e.data, start, end)
	e.frame++
	return chunk
}

func sliceChunk(data [][]float32, start, end int) [][]float32 {
	out := make([][]float32, len(data))
	for ch := range data {
		out[ch] = data[ch][start:end]
	}
	return out
}

func silence(channels, chunkSize int) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, chunkSize)
	}
	return out
}

// Handler mixes every running Event down onto an N-channel scene buffer,
// rebuilt fresh each block.
type Handler struct {
	blockSize   int
	numChannels int
	sampleRate  float64

	mu     sync.Mutex
	events map[string]*Event
}

// New creates an empty scene handler for a fixed channel count and block
// size.
func New(blockSize, numChannels int, sampleRate float64) *Handler {
	return &Handler{
		blockSize:   blockSize,
		numChannels: numChannels,
		sampleRate:  sampleRate,
		events:      make(map[string]*Event),
	}
}

// RequestChunk mixes every running event onto its placed channel and
// returns the resulting (numChannels, blockSize) scene; channels with no
// running event contribute silence.
func (h *Handler) RequestChunk() [][]float32 {
	h.mu.Lock()
	events := make([]*Event, 0, len(h.events))
	for _, e := range h.events {
		events = append(events, e)
	}
	h.mu.Unlock()

	scene := make([][]float32, h.numChannels)
	for ch := range scene {
		scene[ch] = make([]float32, h.blockSize)
	}

	for _, e := range events {
		chunk := e.requestChunk()
		if chunk == nil {
			continue
		}

		e.mu.Lock()
		channel := e.channel
		e.mu.Unlock()

		if channel < 0 || channel >= h.numChannels {
			continue
		}
		for i, v := range chunk[0] {
			scene[channel][i] += v
		}
	}

	return scene
}

// Control applies a parsed soundevent command (start/stop/pause/sendto) to
// the event named by id.
func (h *Handler) Control(id, command string, arg string, hasArg bool) error {
	h.mu.Lock()
	event, ok := h.events[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("soundscene: unknown sound event %q", id)
	}

	switch command {
	case "pause":
		event.Pause()
	case "stop":
		event.Stop()
	case "start":
		channel, hasChannel := parseChannelArg(arg, hasArg)
		event.Start(channel, hasChannel)
	case "sendto":
		channel, hasChannel := parseChannelArg(arg, hasArg)
		if !hasChannel {
			return fmt.Errorf("soundscene: sendto requires a channel argument")
		}
		event.Place(channel)
	default:
		return fmt.Errorf("soundscene: unknown command %q", command)
	}

	return nil
}

func parseChannelArg(arg string, hasArg bool) (int, bool) {
	if !hasArg || arg == "" {
		return 0, false
	}
	var channel int
	if _, err := fmt.Sscanf(arg, "%d", &channel); err != nil {
		return 0, false
	}
	return channel, true
}

// LoadSoundFiles decodes each file in paths and registers one Event per
// file, keyed by the three-digit id embedded in its file
// name (matching pattern "<id><type>ID_..." where type is 's', 'l' or
// 't'; 'l' loops, anything else plays once).
func (h *Handler) LoadSoundFiles(paths []string, decode func(path string) (*audiofile.Source, error)) error {
	for _, path := range paths {
		id, loop, err := parseSoundFileName(path)
		if err != nil {
			slog.Warn("soundscene: skipping file with unrecognized name", "path", path, "error", err)
			continue
		}

		src, err := decode(path)
		if err != nil {
			return fmt.Errorf("soundscene: loading %q: %w", path, err)
		}
		if src.SampleRate != h.sampleRate {
			slog.Warn("soundscene: sample rate mismatch", "path", path, "file_rate", src.SampleRate, "scene_rate", h.sampleRate)
		}

		data := padToChunk(src.Data, h.blockSize)

		h.mu.Lock()
		h.events[id] = NewEvent(data, h.blockSize, loop)
		h.mu.Unlock()

		slog.Info("soundscene: loaded sound event", "id", id, "loop", loop, "path", path)
	}

	return nil
}

func padToChunk(data [][]float32, chunkSize int) [][]float32 {
	if len(data) == 0 {
		return data
	}
	length := len(data[0])
	padded := ((length + chunkSize - 1) / chunkSize) * chunkSize
	if padded == length {
		return data
	}

	out := make([][]float32, len(data))
	for ch := range data {
		buf := make([]float32, padded)
		copy(buf, data[ch])
		out[ch] = buf
	}
	return out
}

// parseSoundFileName extracts the three-digit event id and loop flag from
// a file name of the form ".../<id><type>ID_...": type 'l' loops,
// anything else ('s', 't') plays once.
func parseSoundFileName(path string) (id string, loop bool, err error) {
	base := path
	if idx := lastSlash(base); idx >= 0 {
		base = base[idx+1:]
	}

	const marker = "ID_"
	pos := indexOf(base, marker)
	if pos < 4 {
		return "", false, fmt.Errorf("missing %q marker with a preceding id+type", marker)
	}

	typeChar := base[pos-1]
	id = base[pos-4 : pos-1]
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false, fmt.Errorf("id %q is not three digits", id)
		}
	}

	return id, typeChar == 'l', nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
