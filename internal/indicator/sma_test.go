package indicator

import "testing"

func TestSMANotReadyBeforePeriod(t *testing.T) {
	s := NewSMA(3)
	for i, price := range []float64{1, 2} {
		if _, ok := s.Update(price); ok {
			t.Fatalf("update %d: expected not ready before period fills", i)
		}
	}
}

func TestSMAComputesAverage(t *testing.T) {
	s := NewSMA(3)
	s.Update(1)
	s.Update(2)
	got, ok := s.Update(3)
	if !ok {
		t.Fatal("expected ready after 3 updates")
	}
	if got != 2 {
		t.Fatalf("expected average 2, got %v", got)
	}
}

func TestSMASlidesWindow(t *testing.T) {
	s := NewSMA(2)
	s.Update(10)
	got, _ := s.Update(20)
	if got != 15 {
		t.Fatalf("expected 15, got %v", got)
	}
	got, _ = s.Update(30)
	if got != 25 {
		t.Fatalf("expected window to slide to (20+30)/2=25, got %v", got)
	}
}

func TestSMAReset(t *testing.T) {
	s := NewSMA(2)
	s.Update(1)
	s.Update(2)
	if !s.Ready() {
		t.Fatal("expected ready before reset")
	}
	s.Reset()
	if s.Ready() {
		t.Fatal("expected not ready after reset")
	}
}
