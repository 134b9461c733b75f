package device

import (
	"math"
	"testing"
)

func TestConvertCU8(t *testing.T) {
	src := []byte{0, 255, 128, 127}
	dst := make([]complex64, 2)

	if n := ConvertCU8(dst, src); n != 2 {
		t.Fatalf("converted %d samples", n)
	}
	if real(dst[0]) != -1 || math.Abs(float64(imag(dst[0])-1)) > 0.01 {
		t.Fatalf("dst[0] = %v", dst[0])
	}
	// 127/128 straddle the midpoint.
	if math.Abs(float64(real(dst[1]))) > 0.01 || math.Abs(float64(imag(dst[1]))) > 0.01 {
		t.Fatalf("dst[1] = %v, want near zero", dst[1])
	}
}

func TestConvertCS8(t *testing.T) {
	src := []byte{0x80, 0x7f, 0, 64}
	dst := make([]complex64, 2)

	if n := ConvertCS8(dst, src); n != 2 {
		t.Fatalf("converted %d samples", n)
	}
	if real(dst[0]) != -1 {
		t.Fatalf("real(dst[0]) = %v", real(dst[0]))
	}
	if got := imag(dst[0]); math.Abs(float64(got)-127.0/128) > 1e-6 {
		t.Fatalf("imag(dst[0]) = %v", got)
	}
	if dst[1] != complex(0, 0.5) {
		t.Fatalf("dst[1] = %v", dst[1])
	}
}

func TestConvertBoundsByDst(t *testing.T) {
	src := make([]byte, 100)
	dst := make([]complex64, 10)
	if n := ConvertCU8(dst, src); n != 10 {
		t.Fatalf("n = %d, want clamped to dst", n)
	}
}
