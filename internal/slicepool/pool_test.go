package slicepool

import "testing"

func TestGetWorkRequests_SizeBuckets(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		expectCap int
	}{
		{"8 bucket - exact", 8, 8},
		{"8 bucket - smaller", 3, 8},
		{"32 bucket - exact", 32, 32},
		{"32 bucket - smaller", 20, 32},
		{"64 bucket - exact", 64, 64},
		{"256 bucket - exact", 256, 256},
		{"256 bucket - smaller", 200, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wr := GetWorkRequests(tt.n)
			if len(wr) != tt.n {
				t.Errorf("GetWorkRequests(%d) returned len=%d, want %d", tt.n, len(wr), tt.n)
			}
			if cap(wr) != tt.expectCap {
				t.Errorf("GetWorkRequests(%d) returned cap=%d, want %d", tt.n, cap(wr), tt.expectCap)
			}
			PutWorkRequests(wr)
		})
	}
}

func TestGetWorkRequests_AboveLargestBucketIsUnpooled(t *testing.T) {
	wr := GetWorkRequests(1000)
	if len(wr) != 1000 || cap(wr) != 1000 {
		t.Fatalf("expected a plain 1000-length slice, got len=%d cap=%d", len(wr), cap(wr))
	}
	PutWorkRequests(wr) // must not panic
}

func TestWorkRequestPool_Reuse(t *testing.T) {
	wr1 := GetWorkRequests(8)
	ptr1 := &wr1[:1][0]
	PutWorkRequests(wr1)

	wr2 := GetWorkRequests(8)
	ptr2 := &wr2[:1][0]
	PutWorkRequests(wr2)

	if ptr1 == ptr2 {
		t.Log("work request buffer was reused from pool")
	} else {
		t.Log("work request buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutWorkRequests_NonStandardCapDoesNotPanic(t *testing.T) {
	wr := GetWorkRequests(1000) // above the largest bucket, so cap(wr) == 1000
	PutWorkRequests(wr)         // must not panic even though no bucket matches
}
