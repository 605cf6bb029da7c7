package typing

import "testing"

func TestThrottle_Floor(t *testing.T) {
	tests := []struct {
		name string
		t1   int64
		t2   int64
		want Decision
	}{
		{"same instant", 1000, 1000, Skip},
		{"1ms later", 1000, 1001, Skip},
		{"just under interval", 1000, 3499, Skip},
		{"exactly interval", 1000, 3500, SendNow},
		{"well past interval", 1000, 10000, SendNow},
		{"clock moved backwards", 5000, 4000, Skip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThrottle(DefaultThrottleInterval)
			if d := th.RequestAnnounce(tt.t1); d != SendNow {
				t.Fatalf("first request = %v, want send_now", d)
			}
			if d := th.RequestAnnounce(tt.t2); d != tt.want {
				t.Errorf("second request at %d = %v, want %v", tt.t2, d, tt.want)
			}
		})
	}
}

func TestThrottle_FirstCallExempt(t *testing.T) {
	for _, ts := range []int64{0, 1, 2499, -10, 1 << 50} {
		th := NewThrottle(DefaultThrottleInterval)
		if d := th.RequestAnnounce(ts); d != SendNow {
			t.Errorf("first request at %d = %v, want send_now", ts, d)
		}
	}
}

func TestThrottle_SkipDoesNotMoveWindow(t *testing.T) {
	th := NewThrottle(DefaultThrottleInterval)
	th.RequestAnnounce(0)
	th.RequestAnnounce(2000) // skip

	if last, ok := th.LastSent(); !ok || last != 0 {
		t.Fatalf("LastSent = %d (ok=%v), want 0", last, ok)
	}
	if d := th.RequestAnnounce(2500); d != SendNow {
		t.Fatalf("request at 2500 = %v, want send_now", d)
	}
}

func TestThrottle_ResetRestoresExemption(t *testing.T) {
	th := NewThrottle(DefaultThrottleInterval)
	th.RequestAnnounce(100)
	th.Reset()

	if _, ok := th.LastSent(); ok {
		t.Fatal("LastSent still set after reset")
	}
	if d := th.RequestAnnounce(200); d != SendNow {
		t.Fatalf("request after reset = %v, want send_now", d)
	}
}

func TestDecision_String(t *testing.T) {
	if SendNow.String() != "send_now" || Skip.String() != "skip" {
		t.Errorf("unexpected strings: %q %q", SendNow, Skip)
	}
}

// TestEndToEndScenario replays A typing at 0, 1000 and 2600 and B sweeping on
// a 1000ms cadence with only A's sent announcements delivered.
func TestEndToEndScenario(t *testing.T) {
	throttle := NewThrottle(DefaultThrottleInterval)
	tracker := NewTracker("B", DefaultExpiryWindow)

	var delivered []int64
	for _, ts := range []int64{0, 1000, 2600} {
		if throttle.RequestAnnounce(ts) == SendNow {
			delivered = append(delivered, ts)
		}
	}
	if len(delivered) != 2 || delivered[0] != 0 || delivered[1] != 2600 {
		t.Fatalf("sent announcements = %v, want [0 2600]", delivered)
	}

	tracker.OnRemoteAnnouncement("A", delivered[0])
	for now := int64(0); now <= 9000; now += 100 {
		if now == 2600 {
			tracker.OnRemoteAnnouncement("A", delivered[1])
		}
		if now%1000 == 0 {
			tracker.Sweep(now)
		}

		visible := equalIDs(tracker.TypistsAt(now), []string{"A"})
		if now < 7600 && !visible {
			t.Fatalf("A not visible at %d", now)
		}
		if now >= 7600 && visible {
			t.Fatalf("A still visible at %d", now)
		}

		held := tracker.Len() == 1
		if now < 8000 && !held {
			t.Fatalf("A swept before 8000 (now=%d)", now)
		}
		if now >= 8000 && held {
			t.Fatalf("A not swept by %d", now)
		}
	}
}
