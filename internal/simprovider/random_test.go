package simprovider

import (
	"math"
	"testing"
)

func TestDeterminism(t *testing.T) {
	r1 := newRNG(42)
	r2 := newRNG(42)
	for i := 0; i < 1000; i++ {
		if r1.Uint32() != r2.Uint32() {
			t.Fatalf("determinism broken at iteration %d", i)
		}
	}
}

func TestDifferentSeeds(t *testing.T) {
	r1 := newRNG(42)
	r2 := newRNG(43)
	same := 0
	for i := 0; i < 100; i++ {
		if r1.Uint32() == r2.Uint32() {
			same++
		}
	}
	if same > 5 {
		t.Fatalf("different seeds produced %d/100 identical values", same)
	}
}

func TestFloat64Bounds(t *testing.T) {
	r := newRNG(42)
	for i := 0; i < 10000; i++ {
		v := r.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64() = %f, out of [0, 1)", v)
		}
	}
}

func TestIntRangeBounds(t *testing.T) {
	r := newRNG(42)
	for i := 0; i < 10000; i++ {
		v := r.IntRange(5, 15)
		if v < 5 || v > 15 {
			t.Fatalf("IntRange(5,15) = %d, out of [5, 15]", v)
		}
	}
}

func TestIntRangeEqual(t *testing.T) {
	r := newRNG(42)
	for i := 0; i < 100; i++ {
		v := r.IntRange(7, 7)
		if v != 7 {
			t.Fatalf("IntRange(7,7) = %d, want 7", v)
		}
	}
}

func TestIntRangeReversed(t *testing.T) {
	r := newRNG(42)
	v := r.IntRange(10, 5)
	if v != 10 {
		t.Fatalf("IntRange(10,5) = %d, want 10", v)
	}
}

func TestGaussianStats(t *testing.T) {
	r := newRNG(42)
	n := 50000
	sum := 0.0
	sumSq := 0.0
	for i := 0; i < n; i++ {
		v := r.Gaussian()
		sum += v
		sumSq += v * v
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	if math.Abs(mean) > 0.05 {
		t.Errorf("Gaussian mean = %f, expected ~0", mean)
	}
	if math.Abs(variance-1.0) > 0.1 {
		t.Errorf("Gaussian variance = %f, expected ~1", variance)
	}
}
