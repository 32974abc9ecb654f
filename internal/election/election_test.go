package election

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.titansync.dev/sync/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunForcedPrimaryIncrementsFromZero(t *testing.T) {
	svc := New("dev-1", 50, config.ModePrimary, newTestLogger(), Callbacks{})
	svc.RunForcedPrimary()

	if svc.Role() != RolePrimary {
		t.Fatalf("role = %s, want PRIMARY", svc.Role())
	}
	if svc.Term() != 1 {
		t.Fatalf("term = %d, want 1", svc.Term())
	}
}

func TestRunElectionWinsWithoutContention(t *testing.T) {
	won := make(chan uint64, 1)
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{
		OnBecomePrimary: func(term uint64) { won <- term },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.RunElection(ctx)

	select {
	case term := <-won:
		if term != 1 {
			t.Errorf("term = %d, want 1", term)
		}
	default:
		t.Fatal("expected OnBecomePrimary to fire")
	}
	if svc.Role() != RolePrimary {
		t.Errorf("role = %s, want PRIMARY", svc.Role())
	}
}

func TestRunElectionAbortsOnHigherTermElectionResult(t *testing.T) {
	stepped := make(chan uint64, 1)
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{
		OnBecomeSecondary: func(term uint64) { stepped <- term },
	})

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		svc.RunElection(ctx)
		close(done)
	}()

	// give RunElection a moment to bump its term to 1, then interrupt
	time.Sleep(10 * time.Millisecond)
	svc.ObserveElectionResult(5)

	<-done
	if svc.Role() != RoleSecondary {
		t.Errorf("role = %s, want SECONDARY", svc.Role())
	}
	select {
	case term := <-stepped:
		if term != 5 {
			t.Errorf("stepped down to term %d, want 5", term)
		}
	default:
		t.Fatal("expected OnBecomeSecondary to fire")
	}
}

func TestObserveHeartbeatRejectsStaleTerm(t *testing.T) {
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{})
	svc.ObserveHeartbeat(10)

	if ok := svc.ObserveHeartbeat(5); ok {
		t.Error("expected stale (lower-term) heartbeat to be rejected")
	}
	if ok := svc.ObserveHeartbeat(10); !ok {
		t.Error("expected equal-term heartbeat to be accepted")
	}
}

func TestPrimaryStepsDownOnHigherTermHeartbeat(t *testing.T) {
	stepped := make(chan uint64, 1)
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{
		OnBecomeSecondary: func(term uint64) { stepped <- term },
	})
	svc.RunForcedPrimary() // term 1, role PRIMARY (via ModePrimary path semantics reused here for setup)

	svc.ObserveHeartbeat(99)

	if svc.Role() != RoleSecondary {
		t.Errorf("role = %s, want SECONDARY after higher-term heartbeat", svc.Role())
	}
	select {
	case term := <-stepped:
		if term != 99 {
			t.Errorf("term = %d, want 99", term)
		}
	default:
		t.Fatal("expected OnBecomeSecondary to fire")
	}
}

func TestFenceMessageRejectsStaleTerm(t *testing.T) {
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{})

	if ok := svc.FenceMessage(9); !ok {
		t.Fatal("expected first-seen term 9 to be accepted")
	}
	if ok := svc.FenceMessage(8); ok {
		t.Error("expected a resurrected-PRIMARY message at a lower term to be rejected")
	}
	if ok := svc.FenceMessage(9); !ok {
		t.Error("expected equal-term message to be accepted")
	}
	if ok := svc.FenceMessage(10); !ok {
		t.Error("expected higher-term message to be accepted")
	}
	if ok := svc.FenceMessage(9); ok {
		t.Error("expected term 9 to now be stale after observing term 10")
	}
}

func TestFenceMessageSharesLastSeenTermWithHeartbeat(t *testing.T) {
	svc := New("dev-1", 50, config.ModeAuto, newTestLogger(), Callbacks{})
	svc.ObserveHeartbeat(9)

	if ok := svc.FenceMessage(8); ok {
		t.Error("expected EntityUpdate at a term below the last-seen heartbeat term to be rejected")
	}
}

func TestShouldChallenge(t *testing.T) {
	svc := New("bravo", 50, config.ModeAuto, newTestLogger(), Callbacks{})

	cases := []struct {
		name string
		hub  Candidate
		want bool
	}{
		{"lower priority", Candidate{DeviceID: "zzz", Priority: 10}, true},
		{"higher priority", Candidate{DeviceID: "zzz", Priority: 90}, false},
		{"tie, hub id greater -> challenge", Candidate{DeviceID: "charlie", Priority: 50}, true},
		{"tie, hub id smaller -> no challenge", Candidate{DeviceID: "alpha", Priority: 50}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := svc.ShouldChallenge(tc.hub); got != tc.want {
				t.Errorf("ShouldChallenge(%+v) = %v, want %v", tc.hub, got, tc.want)
			}
		})
	}
}

func TestNonAutoModeNeverChallenges(t *testing.T) {
	svc := New("bravo", 90, config.ModeSecondary, newTestLogger(), Callbacks{})
	if svc.ShouldChallenge(Candidate{DeviceID: "zzz", Priority: 1}) {
		t.Error("forced secondary must never challenge")
	}
}
