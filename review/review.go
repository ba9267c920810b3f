// Package review runs the per-flagged-message voting state machine. Each
// flagged message gets one session: moderators cast votes into it, a
// deadline timer guards against stalled reviews, and exactly one of the two
// paths (vote majority, deadline check) performs the terminal transition.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/learner"
	"github.com/modhound/modhound/models"
)

// ErrSessionClosed is returned for votes and corrections on a session whose
// flagged message already reached a terminal status. Callers treat it as a
// no-op, not a user-visible failure.
var ErrSessionClosed = errors.New("review session already closed")

const DefaultMaxExtensions = 3

// resolveRetryInterval is how soon the deadline path retries after a ledger
// read or write failure. Retries never consume an extension.
const resolveRetryInterval = time.Minute

// Session tracks the live review of one flagged message. All transitions
// are serialized on the session mutex; cross-session work never blocks.
type Session struct {
	FlaggedMessageID uint
	ServerID         uint

	// MajorityFraction and EligibleVoters are snapshotted when the session
	// opens, so the majority denominator stays stable even if moderator
	// membership changes mid-review.
	MajorityFraction float64
	EligibleVoters   int

	Deadline   time.Time
	Extensions int

	mu        sync.Mutex
	status    models.ReviewStatus
	extension time.Duration
	timer     *time.Timer
}

func (s *Session) Status() models.ReviewStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// NoticeKind labels outbound presentation commands. The core only exposes
// data; rendering is the gateway collaborator's problem.
type NoticeKind string

const (
	NoticeTally    NoticeKind = "tally"
	NoticeExtended NoticeKind = "extended"
	NoticeResolved NoticeKind = "resolved"
)

type Notice struct {
	Kind             NoticeKind
	FlaggedMessageID uint
	ServerID         uint
	Status           models.ReviewStatus
	Tally            ledger.VoteTally
	EligibleVoters   int
	Deadline         time.Time
	Extensions       int
}

type Notifier func(Notice)

// LearnerTrigger is the fire-and-forget hook into threshold recomputation.
type LearnerTrigger interface {
	Recompute(ctx context.Context, serverID uint) (float64, error)
}

// EligibleCounterFunc reports how many moderators currently hold review
// permission for a server. Used when recovering sessions after a restart,
// where the original snapshot is gone.
type EligibleCounterFunc func(ctx context.Context, serverID uint) (int, error)

type Manager struct {
	Ledger        *ledger.Ledger
	Learner       LearnerTrigger
	Notify        Notifier
	CountEligible EligibleCounterFunc
	MaxExtensions int

	logger   *slog.Logger
	sessions *xsync.MapOf[uint, *Session]
}

func NewManager(l *ledger.Ledger, learner LearnerTrigger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Ledger:        l,
		Learner:       learner,
		MaxExtensions: DefaultMaxExtensions,
		logger:        logger.With("component", "review"),
		sessions:      xsync.NewMapOf[uint, *Session](),
	}
}

// Open starts a review session for a freshly flagged message. The eligible
// voter count is snapshotted here and never re-evaluated per vote.
func (m *Manager) Open(ctx context.Context, fm *models.FlaggedMessage, cfg *models.ServerConfig, eligibleVoters int) (*Session, error) {
	if fm.Status.Terminal() {
		return nil, ErrSessionClosed
	}
	if eligibleVoters < 1 {
		eligibleVoters = 1
	}
	extension := cfg.ReviewExtension
	if extension <= 0 {
		extension = models.DefaultReviewExtension
	}
	timeout := cfg.ReviewTimeout
	if timeout <= 0 {
		timeout = models.DefaultReviewTimeout
	}

	s := &Session{
		FlaggedMessageID: fm.ID,
		ServerID:         fm.ServerID,
		MajorityFraction: cfg.MajorityFraction,
		EligibleVoters:   eligibleVoters,
		Deadline:         time.Now().Add(timeout),
		status:           models.ReviewStatusPending,
		extension:        extension,
	}
	existing, loaded := m.sessions.LoadOrStore(fm.ID, s)
	if loaded {
		return existing, nil
	}
	s.timer = time.AfterFunc(timeout, func() {
		m.handleDeadline(s)
	})
	sessionOpenCount.Inc()
	m.logger.Info("review session opened",
		"flaggedID", fm.ID, "serverID", fm.ServerID,
		"eligible", eligibleVoters, "deadline", s.Deadline)
	return s, nil
}

// VoteResult is what the presentation layer needs after a vote: the current
// tally and whether the session resolved.
type VoteResult struct {
	Status         models.ReviewStatus
	Tally          ledger.VoteTally
	EligibleVoters int
}

// CastVote upserts the moderator's vote and resolves the session if either
// side reaches the majority fraction. Concurrent votes on the same session
// are serialized; exactly one of them performs the terminal transition.
func (m *Manager) CastVote(ctx context.Context, flaggedID uint, voterID string, approve bool) (*VoteResult, error) {
	s, err := m.sessionFor(ctx, flaggedID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil, ErrSessionClosed
	}

	if err := m.Ledger.UpsertVote(ctx, flaggedID, voterID, approve); err != nil {
		return nil, fmt.Errorf("recording vote: %w", err)
	}
	voteCastCount.Inc()

	tally, err := m.Ledger.TallyVotes(ctx, flaggedID)
	if err != nil {
		return nil, fmt.Errorf("tallying votes: %w", err)
	}

	if outcome, reached := majority(tally, s.EligibleVoters, s.MajorityFraction); reached {
		m.resolveLocked(ctx, s, outcome, tally)
	} else {
		m.emit(Notice{
			Kind:             NoticeTally,
			FlaggedMessageID: s.FlaggedMessageID,
			ServerID:         s.ServerID,
			Status:           s.status,
			Tally:            tally,
			EligibleVoters:   s.EligibleVoters,
			Deadline:         s.Deadline,
		})
	}

	return &VoteResult{Status: s.status, Tally: tally, EligibleVoters: s.EligibleVoters}, nil
}

// OpenSession opens a session sourcing the eligible voter snapshot from the
// manager's CountEligible hook (falling back to the current tally).
func (m *Manager) OpenSession(ctx context.Context, fm *models.FlaggedMessage, cfg *models.ServerConfig) (*Session, error) {
	return m.Open(ctx, fm, cfg, m.eligibleFor(ctx, fm))
}

// sessionFor returns the live session, lazily reopening one for a pending
// flagged message the manager does not know about (eg after a restart with
// incomplete recovery).
func (m *Manager) sessionFor(ctx context.Context, flaggedID uint) (*Session, error) {
	if s, ok := m.sessions.Load(flaggedID); ok {
		return s, nil
	}
	fm, err := m.Ledger.GetFlaggedMessage(ctx, flaggedID)
	if err != nil {
		return nil, err
	}
	if fm.Status.Terminal() {
		return nil, ErrSessionClosed
	}
	cfg, err := m.Ledger.GetConfig(ctx, fm.ServerID)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, fm, cfg, m.eligibleFor(ctx, fm))
}

func (m *Manager) eligibleFor(ctx context.Context, fm *models.FlaggedMessage) int {
	if m.CountEligible != nil {
		n, err := m.CountEligible(ctx, fm.ServerID)
		if err == nil && n > 0 {
			return n
		}
		if err != nil {
			m.logger.Warn("eligible voter lookup failed", "err", err, "serverID", fm.ServerID)
		}
	}
	tally, err := m.Ledger.TallyVotes(ctx, fm.ID)
	if err != nil || tally.Total() < 1 {
		return 1
	}
	return tally.Total()
}

// Recover reopens sessions for flagged messages that were still pending
// when the process last stopped. Sessions are not durable; flags are.
func (m *Manager) Recover(ctx context.Context) error {
	pending, err := m.Ledger.ListPendingFlags(ctx)
	if err != nil {
		return fmt.Errorf("listing pending flags: %w", err)
	}
	for i := range pending {
		fm := &pending[i]
		cfg, err := m.Ledger.GetConfig(ctx, fm.ServerID)
		if err != nil {
			m.logger.Error("recovery: config read failed", "err", err, "flaggedID", fm.ID)
			continue
		}
		if _, err := m.Open(ctx, fm, cfg, m.eligibleFor(ctx, fm)); err != nil && !errors.Is(err, ErrSessionClosed) {
			m.logger.Error("recovery: session reopen failed", "err", err, "flaggedID", fm.ID)
		}
	}
	if len(pending) > 0 {
		m.logger.Info("recovered pending review sessions", "count", len(pending))
	}
	return nil
}

// handleDeadline fires when the review timeout elapses. It re-checks the
// majority once (covering quorum reached right at expiry), otherwise
// extends the deadline. Extension is capped; at the cap the session
// resolves by plurality, with ties rejected.
func (m *Manager) handleDeadline(s *Session) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		// a vote resolved the session while this callback was pending
		staleDeadlineCount.Inc()
		return
	}

	tally, err := m.Ledger.TallyVotes(ctx, s.FlaggedMessageID)
	if err != nil {
		// the extension cap still holds when the tally read fails; at the
		// cap, retry on a short timer instead of extending forever
		if s.Extensions < m.MaxExtensions {
			m.logger.Error("deadline tally failed, extending review", "err", err, "flaggedID", s.FlaggedMessageID)
			m.extendLocked(s, tally)
		} else {
			m.logger.Error("deadline tally failed at extension cap, retrying", "err", err, "flaggedID", s.FlaggedMessageID)
			m.rearmLocked(s, resolveRetryInterval)
		}
		return
	}

	if outcome, reached := majority(tally, s.EligibleVoters, s.MajorityFraction); reached {
		m.resolveLocked(ctx, s, outcome, tally)
		return
	}

	if s.Extensions >= m.MaxExtensions {
		// plurality fallback so the state machine always terminates
		outcome := models.ReviewStatusRejected
		if tally.Approve > tally.Reject {
			outcome = models.ReviewStatusApproved
		}
		m.logger.Warn("review extension cap reached, resolving by plurality",
			"flaggedID", s.FlaggedMessageID, "approve", tally.Approve, "reject", tally.Reject, "outcome", outcome)
		m.resolveLocked(ctx, s, outcome, tally)
		return
	}

	m.extendLocked(s, tally)
}

// rearmLocked re-arms the deadline timer without consuming an extension.
// Caller holds s.mu.
func (m *Manager) rearmLocked(s *Session, d time.Duration) {
	s.Deadline = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() {
		m.handleDeadline(s)
	})
}

func (m *Manager) extendLocked(s *Session, tally ledger.VoteTally) {
	s.Extensions++
	s.Deadline = time.Now().Add(s.extension)
	s.timer = time.AfterFunc(s.extension, func() {
		m.handleDeadline(s)
	})
	sessionExtendCount.Inc()
	m.logger.Info("review extended, no majority at deadline",
		"flaggedID", s.FlaggedMessageID, "extensions", s.Extensions, "deadline", s.Deadline)
	m.emit(Notice{
		Kind:             NoticeExtended,
		FlaggedMessageID: s.FlaggedMessageID,
		ServerID:         s.ServerID,
		Status:           s.status,
		Tally:            tally,
		EligibleVoters:   s.EligibleVoters,
		Deadline:         s.Deadline,
		Extensions:       s.Extensions,
	})
}

// resolveLocked performs the terminal transition. Caller holds s.mu. The
// ledger's conditional update is the final arbiter: if another path got
// there first this turns into a no-op.
func (m *Manager) resolveLocked(ctx context.Context, s *Session, outcome models.ReviewStatus, tally ledger.VoteTally) {
	if s.timer != nil {
		s.timer.Stop()
	}

	err := m.Ledger.ResolveFlaggedMessage(ctx, s.FlaggedMessageID, outcome)
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		if fm, lookupErr := m.Ledger.GetFlaggedMessage(ctx, s.FlaggedMessageID); lookupErr == nil {
			s.status = fm.Status
		} else {
			s.status = outcome
		}
		m.sessions.Delete(s.FlaggedMessageID)
		return
	}
	if err != nil {
		// the session must not go dark: re-arm the deadline path so the
		// resolution is retried once the ledger recovers
		m.logger.Error("terminal status write failed, retrying on deadline path", "err", err, "flaggedID", s.FlaggedMessageID)
		m.rearmLocked(s, resolveRetryInterval)
		return
	}

	s.status = outcome
	m.sessions.Delete(s.FlaggedMessageID)
	sessionResolveCount.WithLabelValues(string(outcome)).Inc()
	m.logger.Info("review resolved",
		"flaggedID", s.FlaggedMessageID, "outcome", outcome,
		"approve", tally.Approve, "reject", tally.Reject, "eligible", s.EligibleVoters)

	if m.Learner != nil {
		serverID := s.ServerID
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("threshold recompute panic", "err", r, "serverID", serverID)
				}
			}()
			if _, err := m.Learner.Recompute(context.Background(), serverID); err != nil && !errors.Is(err, learner.ErrNoData) {
				m.logger.Error("threshold recompute failed", "err", err, "serverID", serverID)
			}
		}()
	}

	m.emit(Notice{
		Kind:             NoticeResolved,
		FlaggedMessageID: s.FlaggedMessageID,
		ServerID:         s.ServerID,
		Status:           outcome,
		Tally:            tally,
		EligibleVoters:   s.EligibleVoters,
		Extensions:       s.Extensions,
	})
}

func (m *Manager) emit(n Notice) {
	if m.Notify != nil {
		m.Notify(n)
	}
}

// majority checks both sides of the tally against the snapshot denominator.
// Strictly ">=": with 4 eligible voters and fraction 0.75, the third
// approval resolves.
func majority(tally ledger.VoteTally, eligible int, fraction float64) (models.ReviewStatus, bool) {
	if eligible < 1 {
		eligible = 1
	}
	if float64(tally.Approve)/float64(eligible) >= fraction {
		return models.ReviewStatusApproved, true
	}
	if float64(tally.Reject)/float64(eligible) >= fraction {
		return models.ReviewStatusRejected, true
	}
	return models.ReviewStatusPending, false
}
