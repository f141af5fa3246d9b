package main

import "testing"

func TestHostGemm(t *testing.T) {
	got := hostGemm([]float32{1, 2, 3, 4}, []float32{5, 6, 7, 8}, 2, 2, 2)
	want := []float64{19, 22, 43, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hostGemm[%d]=%v want %v", i, got[i], want[i])
		}
	}
	if e := maxAbsError([]float32{19, 22, 43, 51}, want); e != 1 {
		t.Fatalf("maxAbsError=%v want 1", e)
	}
}
