package progress

import (
	"context"
	"testing"
	"time"
)

func TestReportIgnoresStaleCounts(t *testing.T) {
	r := NewReporter(time.Minute)

	r.Report("u1", 100, 1000)
	r.Report("u1", 60, 1000) // out-of-order event
	r.Report("u1", 100, 1000)

	s := r.Snapshot()
	if s.BytesDone != 100 {
		t.Errorf("BytesDone = %d, want 100 (counts must not go backwards)", s.BytesDone)
	}
	if s.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", s.InFlight)
	}
}

func TestReportClampsToTotal(t *testing.T) {
	r := NewReporter(time.Minute)

	r.Report("u1", 5000, 1000)

	if s := r.Snapshot(); s.BytesDone != 1000 {
		t.Errorf("BytesDone = %d, want clamp to total 1000", s.BytesDone)
	}
}

func TestDoneFoldsIntoAccumulator(t *testing.T) {
	r := NewReporter(time.Minute)

	r.Report("u1", 400, 400)
	r.Report("u2", 100, 300)
	r.Done("u1", 400)

	s := r.Snapshot()
	if s.BytesDone != 500 {
		t.Errorf("BytesDone = %d, want 500", s.BytesDone)
	}
	if s.Completed != 1 || s.InFlight != 1 {
		t.Errorf("completed %d inflight %d, want 1/1", s.Completed, s.InFlight)
	}
	if s.BytesTotal != 700 {
		t.Errorf("BytesTotal = %d, want 700", s.BytesTotal)
	}

	// Finishing the remaining unit never shrinks the aggregate.
	r.Done("u2", 300)
	if after := r.Snapshot(); after.BytesDone < s.BytesDone {
		t.Errorf("BytesDone dropped from %d to %d", s.BytesDone, after.BytesDone)
	}
}

// Done may carry a final count below the last reported position, e.g. when a
// range turned out to be a no-op. The larger of the two wins.
func TestDoneKeepsLargerOfReportedAndFinal(t *testing.T) {
	r := NewReporter(time.Minute)

	r.Report("u1", 250, 250)
	r.Done("u1", 0)

	if s := r.Snapshot(); s.BytesDone != 250 {
		t.Errorf("BytesDone = %d, want 250", s.BytesDone)
	}
}

func TestUnknownTotalsPoisonBatchTotal(t *testing.T) {
	r := NewReporter(time.Minute)

	r.Report("u1", 10, 100)
	r.Report("u2", 10, -1)

	if s := r.Snapshot(); s.BytesTotal != -1 {
		t.Errorf("BytesTotal = %d, want -1 when any unit's size is unknown", s.BytesTotal)
	}

	r.Done("u1", 100)
	r.Done("u2", 10)
	if s := r.Snapshot(); s.BytesTotal != -1 {
		t.Errorf("BytesTotal = %d after completion, want -1", s.BytesTotal)
	}
}

func TestSnapshotMonotonicUnderConcurrentReports(t *testing.T) {
	r := NewReporter(time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 1000; i++ {
			r.Report("u1", i, 1000)
		}
		r.Done("u1", 1000)
	}()

	var prev int64
	for {
		s := r.Snapshot()
		if s.BytesDone < prev {
			t.Fatalf("BytesDone went backwards: %d -> %d", prev, s.BytesDone)
		}
		prev = s.BytesDone
		select {
		case <-done:
			if s := r.Snapshot(); s.BytesDone != 1000 {
				t.Fatalf("final BytesDone = %d, want 1000", s.BytesDone)
			}
			return
		default:
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	r := NewReporter(time.Minute)
	r.Stop() // must not block
}

func TestStartStop(t *testing.T) {
	r := NewReporter(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Report("u1", 10, 10)
	r.Done("u1", 10)
	r.Stop()

	if s := r.Snapshot(); s.Completed != 1 {
		t.Errorf("Completed = %d, want 1", s.Completed)
	}
}
