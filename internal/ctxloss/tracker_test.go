package ctxloss

import (
	"math"
	"sync"
	"testing"
)

func TestTracker_UnknownDeviceIsZero(t *testing.T) {
	tr := NewTracker()

	if c := tr.Count("dss"); c != 0 {
		t.Errorf("Count(unknown) = %d, want 0", c)
	}

	// The query must have registered the device.
	devices := tr.Devices()
	if len(devices) != 1 || devices[0] != "dss" {
		t.Errorf("Devices = %v, want [dss]", devices)
	}
}

func TestTracker_NotifyLossIncrements(t *testing.T) {
	tr := NewTracker()

	if c := tr.NotifyLoss("dss"); c != 1 {
		t.Errorf("first NotifyLoss = %d, want 1", c)
	}
	if c := tr.NotifyLoss("dss"); c != 2 {
		t.Errorf("second NotifyLoss = %d, want 2", c)
	}
	if c := tr.Count("dss"); c != 2 {
		t.Errorf("Count = %d, want 2", c)
	}
}

func TestTracker_PerDeviceIsolation(t *testing.T) {
	tr := NewTracker()

	tr.NotifyLoss("dss")
	tr.NotifyLoss("dss")
	tr.NotifyLoss("mmc")

	if c := tr.Count("dss"); c != 2 {
		t.Errorf("Count(dss) = %d, want 2", c)
	}
	if c := tr.Count("mmc"); c != 1 {
		t.Errorf("Count(mmc) = %d, want 1", c)
	}
}

func TestTracker_Wraparound(t *testing.T) {
	tr := NewTracker()

	// Drive the counter to its maximum, then one more loss must wrap to 0.
	tr.counter("dss").Store(math.MaxUint32)

	before := tr.Count("dss")
	after := tr.NotifyLoss("dss")
	if after != 0 {
		t.Errorf("counter after wrap = %d, want 0", after)
	}

	// A driver comparing pre/post values still detects the loss.
	if before == after {
		t.Error("pre/post comparison failed to detect the wrapped loss")
	}
}

func TestTracker_ConcurrentNotifications(t *testing.T) {
	tr := NewTracker()

	const workers = 16
	const lossesPerWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < lossesPerWorker; i++ {
				tr.NotifyLoss("dss")
			}
		}()
	}
	wg.Wait()

	if c := tr.Count("dss"); c != workers*lossesPerWorker {
		t.Errorf("Count = %d, want %d (no increment may be lost)", c, workers*lossesPerWorker)
	}
}

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker()
	tr.NotifyLoss("dss")
	tr.NotifyLoss("dss")
	tr.Count("mmc")

	counts := tr.Counts()
	if counts["dss"] != 2 || counts["mmc"] != 0 {
		t.Errorf("Counts = %v, want dss:2 mmc:0", counts)
	}
}
