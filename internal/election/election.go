// Package election implements the single-round, priority-based role
// election described in spec §4.4: not Raft, no quorum, fenced by a
// monotonically increasing term carried on every Hub message.
package election

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.titansync.dev/sync/internal/config"
)

// Role is the device's current position in the store topology (spec §3).
type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleSecondary Role = "SECONDARY"
	RoleCandidate Role = "CANDIDATE"
	RoleOffline   Role = "OFFLINE"
)

const (
	minTimeout = 150 * time.Millisecond
	maxTimeout = 300 * time.Millisecond
)

// Callbacks is invoked on role transitions; the caller starts/stops the Hub
// server and transport accordingly.
type Callbacks struct {
	OnBecomePrimary   func(term uint64)
	OnBecomeSecondary func(term uint64)
}

// Candidate is a peer observed via discovery or an inbound connection,
// used to evaluate the challenge rule.
type Candidate struct {
	DeviceID string
	Priority int
}

// SharedStatePublisher publishes this device's current role/term so an
// out-of-band observer (a monitoring dashboard, another store segment
// sharing infrastructure) can see cross-device role state without joining
// the UDP broadcast domain. Optional: nil when election.shared_state_backend
// is unset, in which case role state lives only in UDP heartbeats.
type SharedStatePublisher interface {
	Publish(ctx context.Context, deviceID string, role Role, term uint64) error
}

// Service runs the election state machine for one device.
type Service struct {
	deviceID string
	priority int
	mode     config.SyncMode

	log         *slog.Logger
	callbacks   Callbacks
	sharedState SharedStatePublisher

	mu           sync.RWMutex
	role         Role
	term         uint64
	lastSeenTerm uint64

	observed chan observation
}

type observation struct {
	term uint64
	kind string // "heartbeat" | "election_result"
}

// New builds a Service. mode "primary" and "secondary" skip the election
// algorithm entirely per spec §4.4; "offline" disables sync.
func New(deviceID string, priority int, mode config.SyncMode, log *slog.Logger, cb Callbacks) *Service {
	return &Service{
		deviceID:  deviceID,
		priority:  priority,
		mode:      mode,
		log:       log.With("component", "election"),
		callbacks: cb,
		role:      RoleSecondary,
		observed:  make(chan observation, 32),
	}
}

// WithSharedState attaches an optional publisher of role/term transitions,
// for example a Redis-backed one when election.shared_state_backend = "redis".
func (s *Service) WithSharedState(p SharedStatePublisher) *Service {
	s.sharedState = p
	return s
}

func (s *Service) publishState(role Role, term uint64) {
	if s.sharedState == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sharedState.Publish(ctx, s.deviceID, role, term); err != nil {
		s.log.Warn("publish shared election state", "err", err)
	}
}

// Name implements lifecycle.Service.
func (s *Service) Name() string { return "election" }

// Health implements lifecycle.Service.
func (s *Service) Health() error { return nil }

// Role returns the current role.
func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Term returns the current election term.
func (s *Service) Term() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

// FenceMessage reports whether a Hub message carrying term is acceptable
// (spec §4.4 Fencing, §8: a SECONDARY that has ever observed term T never
// thereafter accepts a message with term < T). It updates lastSeenTerm on a
// newer term, the same bookkeeping ObserveHeartbeat performs, but never
// triggers a role transition — only a Heartbeat or election result changes
// role. Callers gate every mutating apply (EntityUpdate, InventoryUpdate)
// through this before touching local state.
func (s *Service) FenceMessage(term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term < s.lastSeenTerm {
		return false
	}
	if term > s.lastSeenTerm {
		s.lastSeenTerm = term
	}
	return true
}

// ObserveHeartbeat feeds a Heartbeat's term into the fencing/election
// machinery. It returns false if the message must be rejected as stale
// (term < lastSeenTerm): the caller should drop it without applying.
func (s *Service) ObserveHeartbeat(term uint64) bool {
	s.mu.Lock()
	stale := term < s.lastSeenTerm
	if term > s.lastSeenTerm {
		s.lastSeenTerm = term
	}
	wasPrimary := s.role == RolePrimary
	steppingDown := wasPrimary && term > s.term
	if steppingDown {
		s.role = RoleSecondary
		s.term = term
	}
	s.mu.Unlock()

	if stale {
		return false
	}
	select {
	case s.observed <- observation{term: term, kind: "heartbeat"}:
	default:
	}
	if steppingDown {
		s.log.Info("stepping down: observed higher-term heartbeat", "term", term)
		s.publishState(RoleSecondary, term)
		if s.callbacks.OnBecomeSecondary != nil {
			s.callbacks.OnBecomeSecondary(term)
		}
	}
	return true
}

// ObserveElectionResult records a completed election's winning term,
// aborting our own candidacy if it is at least as high.
func (s *Service) ObserveElectionResult(term uint64) {
	s.mu.Lock()
	if term > s.lastSeenTerm {
		s.lastSeenTerm = term
	}
	s.mu.Unlock()
	select {
	case s.observed <- observation{term: term, kind: "election_result"}:
	default:
	}
}

// RunForcedPrimary enters PRIMARY immediately, skipping the algorithm,
// at term = previous + 1 (starting at 1), per spec §4.4.
func (s *Service) RunForcedPrimary() {
	s.mu.Lock()
	s.term++
	if s.term == 0 {
		s.term = 1
	}
	s.role = RolePrimary
	term := s.term
	s.mu.Unlock()

	s.log.Info("forced primary", "term", term)
	s.publishState(RolePrimary, term)
	if s.callbacks.OnBecomePrimary != nil {
		s.callbacks.OnBecomePrimary(term)
	}
}

// RunElection runs one candidacy round (spec §4.4 steps 1-4). It blocks for
// up to maxTimeout and returns once the device has settled into PRIMARY or
// SECONDARY for this round.
func (s *Service) RunElection(ctx context.Context) {
	if s.mode == config.ModeOffline || s.mode == config.ModeSecondary {
		return
	}

	s.mu.Lock()
	s.term++
	s.role = RoleCandidate
	term := s.term
	s.mu.Unlock()

	s.log.Info("starting election", "term", term)

	timeout := minTimeout + time.Duration(rand.Int63n(int64(maxTimeout-minTimeout)))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-s.observed:
			if obs.term >= term {
				s.mu.Lock()
				s.role = RoleSecondary
				s.term = obs.term
				s.mu.Unlock()
				s.log.Info("aborting candidacy: observed", "kind", obs.kind, "term", obs.term)
				s.publishState(RoleSecondary, obs.term)
				if s.callbacks.OnBecomeSecondary != nil {
					s.callbacks.OnBecomeSecondary(obs.term)
				}
				return
			}
		case <-timer.C:
			s.mu.Lock()
			s.role = RolePrimary
			s.mu.Unlock()
			s.log.Info("won election", "term", term)
			s.publishState(RolePrimary, term)
			if s.callbacks.OnBecomePrimary != nil {
				s.callbacks.OnBecomePrimary(term)
			}
			return
		}
	}
}

// ShouldChallenge implements the challenge rule (spec §4.4): an AUTO device
// that discovers a Hub whose priority is strictly lower than its own
// (ties broken by device ID, the same ordering used in discovery) may
// launch a new election at term+1.
func (s *Service) ShouldChallenge(hub Candidate) bool {
	if s.mode != config.ModeAuto {
		return false
	}
	if hub.Priority != s.priority {
		return hub.Priority < s.priority
	}
	return hub.DeviceID > s.deviceID
}
