// Package filtertransform partitions a time-domain impulse response into
// uniform blocks and transforms each block into the frequency domain, the
// representation the convolver's frequency-domain delay line multiplies
// against.
package filtertransform

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// Blocked is an impulse response partitioned into K uniform blocks, each
// transformed to B+1 complex bins via a length-2B real FFT.
type Blocked struct {
	Partitions [][]complex64 // len == K, each len == blockSize+1
	BlockSize  int
}

// Transform partitions ir into ceil(len(ir)/blockSize) blocks of blockSize
// samples (the last zero-padded if necessary), zero-pads each block to
// 2*blockSize and forward-transforms it with plan.
//
// plan must have been created for size 2*blockSize; Transform does not
// validate this beyond what Forward itself rejects.
func Transform(plan *algofft.PlanRealT[float32, complex64], ir []float32, blockSize int) (Blocked, error) {
	if blockSize <= 0 {
		return Blocked{}, fmt.Errorf("filtertransform: blockSize must be positive, got %d", blockSize)
	}

	numBlocks := (len(ir) + blockSize - 1) / blockSize
	if numBlocks == 0 {
		numBlocks = 1
	}

	result := Blocked{
		Partitions: make([][]complex64, numBlocks),
		BlockSize:  blockSize,
	}

	fftSize := 2 * blockSize
	scratch := make([]float32, fftSize)

	for i := range result.Partitions {
		for j := range scratch {
			scratch[j] = 0
		}

		start := i * blockSize
		end := start + blockSize
		if end > len(ir) {
			end = len(ir)
		}

		if start < len(ir) {
			copy(scratch[:blockSize], ir[start:end])
		}

		result.Partitions[i] = make([]complex64, blockSize+1)
		if err := plan.Forward(result.Partitions[i], scratch); err != nil {
			return Blocked{}, fmt.Errorf("filtertransform: forward FFT of partition %d: %w", i, err)
		}
	}

	return result, nil
}

// Pair holds the transformed left/right impulse responses of a BRIR or
// headphone-equalization filter.
type Pair struct {
	Left, Right Blocked
}

// PartitionCount returns K, the number of uniform partitions shared by both
// ears. Left and Right are always transformed with the same blockSize, so
// they always agree on K once loaded from the same manifest entry.
func (p Pair) PartitionCount() int {
	return len(p.Left.Partitions)
}
