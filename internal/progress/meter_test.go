package progress

import (
	"testing"
	"time"
)

func TestMeterPercentAndCompletion(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(200)

	now = now.Add(time.Second)
	m.Set(50)
	s := m.Snapshot()
	if s.BytesDone != 50 || s.Total != 200 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Percent != 25 {
		t.Fatalf("percent = %v, want 25", s.Percent)
	}

	now = now.Add(3 * time.Second)
	m.Set(200)
	s = m.Snapshot()
	if s.Percent != 100 {
		t.Fatalf("percent = %v, want 100", s.Percent)
	}
	if s.ETA != 0 {
		t.Fatalf("ETA = %v after completion", s.ETA)
	}
}

func TestMeterRateSmoothing(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1 << 30)

	// Constant 100 B/s: the smoothed rate must converge there.
	for i := int64(1); i <= 10; i++ {
		now = now.Add(time.Second)
		m.Set(i * 100)
	}
	rate := m.Snapshot().RateBps
	if rate < 99 || rate > 101 {
		t.Fatalf("rate = %v, want ~100", rate)
	}
}

func TestMeterIgnoresBackwardsProgress(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(100)
	now = now.Add(time.Second)
	m.Set(60)
	m.Set(40)
	if got := m.Snapshot().BytesDone; got != 60 {
		t.Fatalf("done = %d, want 60", got)
	}
}

func TestMeterETA(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000)
	now = now.Add(time.Second)
	m.Set(100) // 100 B/s, 900 bytes left
	eta := m.Snapshot().ETA
	if eta < 8*time.Second || eta > 10*time.Second {
		t.Fatalf("ETA = %v, want about 9s", eta)
	}
}
