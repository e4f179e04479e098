package convolver

import (
	"math"
	"testing"

	algofft "github.com/MeKo-Christian/algo-fft"

	"binsimgo/internal/filtertransform"
)

const testBlockSize = 8

func identityFilter(t *testing.T, plan *algofft.PlanRealT[float32, complex64]) filtertransform.Pair {
	t.Helper()

	ir := make([]float32, testBlockSize)
	ir[0] = 1

	blocked, err := filtertransform.Transform(plan, ir, testBlockSize)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	return filtertransform.Pair{Left: blocked, Right: blocked}
}

func newTestPlan(t *testing.T) *algofft.PlanRealT[float32, complex64] {
	t.Helper()
	plan, err := algofft.NewPlanReal32(2 * testBlockSize)
	if err != nil {
		t.Fatalf("NewPlanReal32: %v", err)
	}
	return plan
}

// A single-tap filter whose only nonzero sample is h[0]=1 is the identity
// kernel, so each output block reproduces the input block passed to the
// same Process call.
func TestProcessPassesInputThroughUnderIdentityFilter(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 1)

	filter := identityFilter(t, plan)
	if err := c.SetIR(filter, false); err != nil {
		t.Fatalf("SetIR: %v", err)
	}

	blockA := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	blockB := []float32{-1, -2, -3, -4, -5, -6, -7, -8}

	left, right, err := c.Process(blockA, blockA)
	if err != nil {
		t.Fatalf("Process(blockA): %v", err)
	}
	assertClose(t, left, blockA, "first block, left")
	assertClose(t, right, blockA, "first block, right")

	left, right, err = c.Process(blockB, blockB)
	if err != nil {
		t.Fatalf("Process(blockB): %v", err)
	}
	assertClose(t, left, blockB, "second block, left")
	assertClose(t, right, blockB, "second block, right")
}

func TestProcessRejectsWrongBlockSize(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 1)
	if err := c.SetIR(identityFilter(t, plan), false); err != nil {
		t.Fatalf("SetIR: %v", err)
	}

	_, _, err := c.Process(make([]float32, testBlockSize-1), make([]float32, testBlockSize))
	if err == nil {
		t.Fatal("expected an error for a mismatched block size")
	}
}

func TestProcessBeforeSetIRFails(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 1)

	_, _, err := c.Process(make([]float32, testBlockSize), make([]float32, testBlockSize))
	if err == nil {
		t.Fatal("expected an error calling Process before SetIR")
	}
}

func TestSetIRRejectsCrossfadeBetweenDifferentPartitionCounts(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 2)

	short := identityFilter(t, plan)
	long := filtertransform.Pair{
		Left:  filtertransform.Blocked{Partitions: append(append([][]complex64{}, short.Left.Partitions...), make([]complex64, testBlockSize+1))},
		Right: filtertransform.Blocked{Partitions: append(append([][]complex64{}, short.Right.Partitions...), make([]complex64, testBlockSize+1))},
	}

	if err := c.SetIR(short, false); err != nil {
		t.Fatalf("SetIR(short): %v", err)
	}
	if err := c.SetIR(long, true); err == nil {
		t.Fatal("expected an error crossfading to a filter with a different partition count")
	}
}

func TestCrossfadeWindowsSatisfyBoundaryConditions(t *testing.T) {
	wOut, wIn := crossfadeWindows(testBlockSize)

	if wOut[0] != 1 {
		t.Errorf("wOut[0]: got %v, want 1", wOut[0])
	}
	if math.Abs(float64(wIn[0])) > 1e-5 {
		t.Errorf("wIn[0]: got %v, want ~0", wIn[0])
	}
	if math.Abs(float64(wOut[testBlockSize-1])) > 1e-5 {
		t.Errorf("wOut[B-1]: got %v, want ~0", wOut[testBlockSize-1])
	}
	if math.Abs(float64(wIn[testBlockSize-1])-1) > 1e-5 {
		t.Errorf("wIn[B-1]: got %v, want ~1", wIn[testBlockSize-1])
	}

	for n := range wOut {
		if math.Abs(float64(wOut[n]+wIn[n])-1) > 1e-4 {
			t.Errorf("wOut[%d]+wIn[%d]: got %v, want 1 (complementary power)", n, n, wOut[n]+wIn[n])
		}
	}
}

func TestResetClearsActiveFilterState(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 1)
	if err := c.SetIR(identityFilter(t, plan), false); err != nil {
		t.Fatalf("SetIR: %v", err)
	}

	block := make([]float32, testBlockSize)
	if _, _, err := c.Process(block, block); err != nil {
		t.Fatalf("Process: %v", err)
	}

	c.Reset()

	if _, _, err := c.Process(block, block); err == nil {
		t.Fatal("expected Process to fail again after Reset until SetIR is called")
	}
}

func TestLatencyEqualsBlockSize(t *testing.T) {
	plan := newTestPlan(t)
	c := New(plan, testBlockSize, 1)
	if got := c.Latency(); got != testBlockSize {
		t.Errorf("Latency: got %d, want %d", got, testBlockSize)
	}
}

func assertClose(t *testing.T, got, want []float32, label string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length got %d, want %d", label, len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Errorf("%s[%d]: got %v, want %v", label, i, got[i], want[i])
		}
	}
}
