// Package audiosink implements the engine.Sink boundary: a live PortAudio
// output stream for real-time playback, and a WAV file writer for offline
// rendering without a sound card.
package audiosink

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"
)

// PortAudio plays interleaved stereo blocks to the default output device.
// Play runs on the audio thread: it allocates a new interleaved slice for
// every block and queues it on a channel of four blocks that the PortAudio
// callback drains, blocking while that channel is full. It does not reuse
// a preallocated buffer.
type PortAudio struct {
	stream      *portaudio.Stream
	interleaved []float32
	blockSize   int

	pending chan []float32
}

// OpenPortAudio starts a stereo output stream at sampleRate with the given
// block size as its frames-per-buffer hint. Call Close when done.
func OpenPortAudio(sampleRate float64, blockSize int) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audiosink: initializing portaudio: %w", err)
	}

	s := &PortAudio{
		interleaved: make([]float32, 2*blockSize),
		blockSize:   blockSize,
		pending:     make(chan []float32, 4),
	}

	stream, err := portaudio.OpenDefaultStream(0, 2, sampleRate, blockSize, s.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audiosink: opening output stream: %w", err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audiosink: starting output stream: %w", err)
	}

	return s, nil
}

// callback runs on PortAudio's own real-time thread and copies out the
// oldest queued (already interleaved) block, or silence if none is queued.
func (s *PortAudio) callback(out []float32) {
	select {
	case block := <-s.pending:
		copy(out, block)
	default:
		for i := range out {
			out[i] = 0
		}
	}
}

// Play interleaves block and hands it to the PortAudio callback, blocking
// briefly if the handoff channel is full (the callback is behind).
func (s *PortAudio) Play(block [2][]float32) error {
	if len(block[0]) != s.blockSize || len(block[1]) != s.blockSize {
		return fmt.Errorf("audiosink: expected blocks of %d samples, got %d/%d",
			s.blockSize, len(block[0]), len(block[1]))
	}

	interleaved := make([]float32, 2*s.blockSize)
	for i := 0; i < s.blockSize; i++ {
		interleaved[2*i] = block[0][i]
		interleaved[2*i+1] = block[1][i]
	}

	s.pending <- interleaved

	return nil
}

// Close stops and releases the output stream.
func (s *PortAudio) Close() error {
	if err := s.stream.Stop(); err != nil {
		return err
	}
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}

// WavFile writes every played block to a 16-bit PCM stereo WAV file,
// useful for offline rendering and golden-output tests without a sound
// card.
type WavFile struct {
	encoder   *wav.Encoder
	buf       *goaudio.IntBuffer
	blockSize int
}

// NewWavFile creates an encoder writing 16-bit stereo PCM at sampleRate to
// w (typically an *os.File). Call Close to flush the WAV header/footer.
func NewWavFile(w io.WriteSeeker, sampleRate, blockSize int) *WavFile {
	enc := wav.NewEncoder(w, sampleRate, 16, 2, 1)

	return &WavFile{
		encoder: enc,
		blockSize: blockSize,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: 2, SampleRate: sampleRate},
			Data:   make([]int, 2*blockSize),
		},
	}
}

// Play converts block to 16-bit interleaved PCM and writes it out.
func (w *WavFile) Play(block [2][]float32) error {
	if len(block[0]) != w.blockSize || len(block[1]) != w.blockSize {
		return fmt.Errorf("audiosink: expected blocks of %d samples, got %d/%d",
			w.blockSize, len(block[0]), len(block[1]))
	}

	for i := 0; i < w.blockSize; i++ {
		w.buf.Data[2*i] = floatToPCM16(block[0][i])
		w.buf.Data[2*i+1] = floatToPCM16(block[1][i])
	}

	return w.encoder.Write(w.buf)
}

// Close flushes the WAV header with the final sample count.
func (w *WavFile) Close() error {
	return w.encoder.Close()
}

func floatToPCM16(v float32) int {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(v * 32767)
}
