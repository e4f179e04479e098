// Package convolver implements uniformly-partitioned overlap-save FFT
// convolution with glitch-free filter switching via cosine-squared
// crossfading.
package convolver

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/filtertransform"
)

// Convolver holds the per-channel state of one BRIR (or headphone
// equalization) convolution path: a frequency-domain delay line per ear,
// the currently and previously active filter, and the crossfade windows
// used while switching between them.
//
// A Convolver is not safe for concurrent use; the engine owns exactly one
// per active source channel plus, optionally, one for headphone
// equalization.
type Convolver struct {
	blockSize int
	fftPlan   *algofft.PlanRealT[float32, complex64]

	current  filtertransform.Pair
	previous filtertransform.Pair
	haveCurrent bool

	fdlLeft  [][]complex64 // K slots of B+1 bins, slot 0 = newest
	fdlRight [][]complex64

	inputLeft  []float32 // 2B samples: [prev block | current block]
	inputRight []float32

	resultLeft     []complex64 // B+1 bins, accumulator for current filter
	resultRight    []complex64
	resultLeftPrev []complex64 // accumulator for previous filter during crossfade
	resultRightPrev []complex64

	timeLeft     []float32 // 2B samples, IFFT scratch
	timeRight    []float32
	timeLeftPrev []float32
	timeRightPrev []float32

	windowOut []float32 // cos^2 fade-out of the previous filter's output
	windowIn  []float32 // cos^2 fade-in of the new filter's output

	interpolate bool
	blocksSeen  int
}

// New creates a convolver for a fixed block size and a maximum filter
// length of maxPartitions blocks of blockSize samples each. plan must be a
// real-FFT plan sized 2*blockSize; convolvers for different channels
// processing the same session may share one plan since Process never
// mutates it.
func New(plan *algofft.PlanRealT[float32, complex64], blockSize, maxPartitions int) *Convolver {
	c := &Convolver{
		blockSize:  blockSize,
		fftPlan:    plan,
		fdlLeft:    makeFDL(maxPartitions, blockSize),
		fdlRight:   makeFDL(maxPartitions, blockSize),
		inputLeft:  make([]float32, 2*blockSize),
		inputRight: make([]float32, 2*blockSize),

		resultLeft:      make([]complex64, blockSize+1),
		resultRight:     make([]complex64, blockSize+1),
		resultLeftPrev:  make([]complex64, blockSize+1),
		resultRightPrev: make([]complex64, blockSize+1),

		timeLeft:      make([]float32, 2*blockSize),
		timeRight:     make([]float32, 2*blockSize),
		timeLeftPrev:  make([]float32, 2*blockSize),
		timeRightPrev: make([]float32, 2*blockSize),
	}

	c.windowOut, c.windowIn = crossfadeWindows(blockSize)

	return c
}

func makeFDL(partitions, blockSize int) [][]complex64 {
	fdl := make([][]complex64, partitions)
	for i := range fdl {
		fdl[i] = make([]complex64, blockSize+1)
	}
	return fdl
}

// crossfadeWindows returns w_out (fade-out of the previous filter) and
// w_in (fade-in of the new filter), satisfying w_in[n] = w_out[B-1-n].
func crossfadeWindows(blockSize int) (wOut, wIn []float32) {
	wOut = make([]float32, blockSize)
	wIn = make([]float32, blockSize)

	if blockSize == 1 {
		wOut[0] = 0
		wIn[0] = 1
		return
	}

	for n := 0; n < blockSize; n++ {
		angle := math.Pi * float64(n) / (2 * float64(blockSize-1))
		c := math.Cos(angle)
		wOut[n] = float32(c * c)
	}
	for n := 0; n < blockSize; n++ {
		wIn[n] = wOut[blockSize-1-n]
	}
	return
}

// SetIR switches the active filter. If doCrossfade is true, the next call
// to Process blends the outgoing and incoming filter's outputs across one
// block using the cosine-squared windows; otherwise the switch is immediate
// and may click.
func (c *Convolver) SetIR(filter filtertransform.Pair, doCrossfade bool) error {
	if c.haveCurrent && len(filter.Left.Partitions) != len(c.current.Left.Partitions) && doCrossfade {
		return fmt.Errorf("convolver: cannot crossfade between filters with different partition counts (%d vs %d)",
			len(c.current.Left.Partitions), len(filter.Left.Partitions))
	}

	if c.haveCurrent {
		c.previous = c.current
	} else {
		c.previous = filter
	}

	c.current = filter
	c.haveCurrent = true
	c.interpolate = doCrossfade

	return nil
}

// Process runs one block of overlap-save convolution. inputLeft and
// inputRight feed the left and right frequency-domain delay lines
// respectively; callers driving a mono convolver pass the same slice
// twice, which is exactly what duplicates a single-channel source's
// spectrum into both FDLs per the mono fill rule.
//
// The returned slices alias internal buffers and are only valid until the
// next call to Process.
func (c *Convolver) Process(inputLeft, inputRight []float32) (left, right []float32, err error) {
	if len(inputLeft) != c.blockSize || len(inputRight) != c.blockSize {
		return nil, nil, fmt.Errorf("convolver: expected blocks of %d samples, got %d/%d",
			c.blockSize, len(inputLeft), len(inputRight))
	}
	if !c.haveCurrent {
		return nil, nil, fmt.Errorf("convolver: Process called before SetIR")
	}

	c.shiftInput(c.inputLeft, inputLeft)
	c.shiftInput(c.inputRight, inputRight)

	if err := c.rollAndTransform(c.fdlLeft, c.inputLeft); err != nil {
		return nil, nil, err
	}
	if err := c.rollAndTransform(c.fdlRight, c.inputRight); err != nil {
		return nil, nil, err
	}

	multiplyAndAccumulate(c.resultLeft, c.current.Left.Partitions, c.fdlLeft)
	multiplyAndAccumulate(c.resultRight, c.current.Right.Partitions, c.fdlRight)

	if err := c.fftPlan.Inverse(c.timeLeft, c.resultLeft); err != nil {
		return nil, nil, fmt.Errorf("convolver: inverse FFT: %w", err)
	}
	if err := c.fftPlan.Inverse(c.timeRight, c.resultRight); err != nil {
		return nil, nil, fmt.Errorf("convolver: inverse FFT: %w", err)
	}

	outLeft := c.timeLeft[c.blockSize:]
	outRight := c.timeRight[c.blockSize:]

	if c.interpolate {
		multiplyAndAccumulate(c.resultLeftPrev, c.previous.Left.Partitions, c.fdlLeft)
		multiplyAndAccumulate(c.resultRightPrev, c.previous.Right.Partitions, c.fdlRight)

		if err := c.fftPlan.Inverse(c.timeLeftPrev, c.resultLeftPrev); err != nil {
			return nil, nil, fmt.Errorf("convolver: inverse FFT: %w", err)
		}
		if err := c.fftPlan.Inverse(c.timeRightPrev, c.resultRightPrev); err != nil {
			return nil, nil, fmt.Errorf("convolver: inverse FFT: %w", err)
		}

		prevLeft := c.timeLeftPrev[c.blockSize:]
		prevRight := c.timeRightPrev[c.blockSize:]

		for n := 0; n < c.blockSize; n++ {
			outLeft[n] = outLeft[n]*c.windowIn[n] + prevLeft[n]*c.windowOut[n]
			outRight[n] = outRight[n]*c.windowIn[n] + prevRight[n]*c.windowOut[n]
		}

		c.interpolate = false
	}

	c.blocksSeen++

	return outLeft, outRight, nil
}

// shiftInput slides the 2B overlap-save buffer left by B samples and
// appends the new block.
func (c *Convolver) shiftInput(buf, block []float32) {
	b := c.blockSize
	copy(buf[:b], buf[b:])
	copy(buf[b:], block)
}

// rollAndTransform advances the frequency-domain delay line by one slot
// (the newest block occupies slot 0) and forward-transforms buf into it.
// The slot rotation reuses the evicted slot's backing array so no
// allocation happens on the audio thread.
func (c *Convolver) rollAndTransform(fdl [][]complex64, buf []float32) error {
	last := len(fdl) - 1
	evicted := fdl[last]
	copy(fdl[1:], fdl[:last])
	fdl[0] = evicted

	return c.fftPlan.Forward(fdl[0], buf)
}

// multiplyAndAccumulate sums, across all K partitions, the pointwise
// complex product of the filter's spectrum and the matching FDL slot,
// initializing dest on the first partition rather than accumulating into
// whatever it held before.
func multiplyAndAccumulate(dest []complex64, irPartitions [][]complex64, fdl [][]complex64) {
	n := len(irPartitions)
	if n > len(fdl) {
		n = len(fdl)
	}

	for i := 0; i < n; i++ {
		ir := irPartitions[i]
		fd := fdl[i]

		if i == 0 {
			for b := range dest {
				dest[b] = ir[b] * fd[b]
			}
			continue
		}

		for b := range dest {
			dest[b] += ir[b] * fd[b]
		}
	}
}

// Reset clears all delay lines, accumulators and the active filter,
// returning the convolver to its pre-SetIR state.
func (c *Convolver) Reset() {
	zeroLeft := c.fdlLeft
	zeroRight := c.fdlRight
	for _, slot := range zeroLeft {
		clearComplex(slot)
	}
	for _, slot := range zeroRight {
		clearComplex(slot)
	}

	clearFloat(c.inputLeft)
	clearFloat(c.inputRight)
	clearComplex(c.resultLeft)
	clearComplex(c.resultRight)
	clearComplex(c.resultLeftPrev)
	clearComplex(c.resultRightPrev)

	c.haveCurrent = false
	c.interpolate = false
	c.blocksSeen = 0
}

func clearComplex(s []complex64) {
	for i := range s {
		s[i] = 0
	}
}

func clearFloat(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

// Latency reports the algorithmic latency in samples: overlap-save always
// delays the signal by exactly one block.
func (c *Convolver) Latency() int {
	return c.blockSize
}
