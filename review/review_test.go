package review

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/models"
)

type fakeLearner struct {
	calls atomic.Int32
}

func (f *fakeLearner) Recompute(ctx context.Context, serverID uint) (float64, error) {
	f.calls.Add(1)
	return 0.8, nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (nl *noticeLog) record(n Notice) {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.notices = append(nl.notices, n)
}

func (nl *noticeLog) byKind(kind NoticeKind) []Notice {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	var out []Notice
	for _, n := range nl.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	learner *fakeLearner
	notices *noticeLog
	server  *models.Server
	rule    *models.ModerationRule
	db      *gorm.DB
}

// breakLedger closes the underlying connection so every subsequent ledger
// call fails.
func (f *fixture) breakLedger(t *testing.T) {
	t.Helper()
	sqldb, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqldb.Close())
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := ledger.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.MigrateDatabase(db))
	l := ledger.NewLedger(db, slog.Default())
	srv, err := l.GetOrCreateServer(ctx, "guild-123", "Test Guild")
	require.NoError(t, err)
	rule := models.ModerationRule{ServerID: srv.ID, Kind: models.RuleKindKeyword, RuleText: "kw", Keywords: models.StringList{"x"}}
	require.NoError(t, l.CreateRule(ctx, &rule))

	fl := &fakeLearner{}
	nl := &noticeLog{}
	m := NewManager(l, fl, slog.Default())
	m.Notify = nl.record
	return &fixture{manager: m, ledger: l, learner: fl, notices: nl, server: srv, rule: &rule, db: db}
}

func (f *fixture) flag(t *testing.T) *models.FlaggedMessage {
	t.Helper()
	fm := models.FlaggedMessage{ServerID: f.server.ID, MessageRef: "m1", RuleID: f.rule.ID}
	require.NoError(t, f.ledger.CreateFlaggedMessage(context.Background(), &fm))
	return &fm
}

func (f *fixture) open(t *testing.T, fm *models.FlaggedMessage, eligible int, fraction float64) *Session {
	t.Helper()
	cfg := models.DefaultServerConfig(f.server.ID)
	cfg.MajorityFraction = fraction
	cfg.ReviewTimeout = time.Hour // tests drive the deadline path directly
	s, err := f.manager.Open(context.Background(), fm, &cfg, eligible)
	require.NoError(t, err)
	return s
}

func TestMajorityResolvesAtExactFraction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	f.open(t, fm, 4, 0.75)

	// two approvals out of four eligible: not yet
	res, err := f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusPending, res.Status)
	res, err = f.manager.CastVote(ctx, fm.ID, "mod-2", true)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusPending, res.Status)

	// the third approval is exactly 3/4 = 0.75 and resolves
	res, err = f.manager.CastVote(ctx, fm.ID, "mod-3", true)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusApproved, res.Status)
	assert.Equal(3, res.Tally.Approve)

	stored, err := f.ledger.GetFlaggedMessage(ctx, fm.ID)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusApproved, stored.Status)

	// late vote is a closed-session no-op
	_, err = f.manager.CastVote(ctx, fm.ID, "mod-4", false)
	assert.ErrorIs(err, ErrSessionClosed)

	assert.Eventually(func() bool { return f.learner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRevoteCountsOnlyLatest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	f.open(t, fm, 4, 0.75)

	res, err := f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	assert.NoError(err)
	assert.Equal(1, res.Tally.Approve)
	assert.Equal(0, res.Tally.Reject)

	res, err = f.manager.CastVote(ctx, fm.ID, "mod-1", false)
	assert.NoError(err)
	assert.Equal(0, res.Tally.Approve)
	assert.Equal(1, res.Tally.Reject)
}

func TestDeadlineTieExtends(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	s := f.open(t, fm, 4, 0.75)

	// 2-2 split: no side has majority
	for i, approve := range []bool{true, true, false, false} {
		_, err := f.manager.CastVote(ctx, fm.ID, string(rune('a'+i)), approve)
		assert.NoError(err)
	}

	f.manager.handleDeadline(s)

	assert.Equal(models.ReviewStatusPending, s.Status())
	assert.Equal(1, s.Extensions)
	assert.Len(f.notices.byKind(NoticeExtended), 1)

	stored, err := f.ledger.GetFlaggedMessage(ctx, fm.ID)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusPending, stored.Status)
}

func TestDeadlineResolvesOnMajority(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)

	// at fraction 0.8 with 4 eligible, 3 rejects (0.75) fall short
	s := f.open(t, fm, 4, 0.8)
	for i, approve := range []bool{false, false, false} {
		_, err := f.manager.CastVote(ctx, fm.ID, string(rune('a'+i)), approve)
		assert.NoError(err)
	}
	assert.Equal(models.ReviewStatusPending, s.Status())

	// lower the bar, then fire the deadline: quorum is now met
	s.mu.Lock()
	s.MajorityFraction = 0.75
	s.mu.Unlock()
	f.manager.handleDeadline(s)

	assert.Equal(models.ReviewStatusRejected, s.Status())
	stored, err := f.ledger.GetFlaggedMessage(ctx, fm.ID)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusRejected, stored.Status)
}

func TestExtensionCapResolvesByPlurality(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	f.manager.MaxExtensions = 1
	fm := f.flag(t)
	s := f.open(t, fm, 4, 0.75)

	_, err := f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	assert.NoError(err)
	_, err = f.manager.CastVote(ctx, fm.ID, "mod-2", false)
	assert.NoError(err)

	f.manager.handleDeadline(s)
	assert.Equal(models.ReviewStatusPending, s.Status())
	assert.Equal(1, s.Extensions)

	// one more approve makes it 2-1; cap reached, plurality approves
	_, err = f.manager.CastVote(ctx, fm.ID, "mod-3", true)
	assert.NoError(err)
	f.manager.handleDeadline(s)
	assert.Equal(models.ReviewStatusApproved, s.Status())
}

func TestExtensionCapTieRejects(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	f.manager.MaxExtensions = 0
	fm := f.flag(t)
	s := f.open(t, fm, 4, 0.75)

	_, err := f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	assert.NoError(err)
	_, err = f.manager.CastVote(ctx, fm.ID, "mod-2", false)
	assert.NoError(err)

	f.manager.handleDeadline(s)
	assert.Equal(models.ReviewStatusRejected, s.Status())
}

func TestDeadlineTallyFailureRespectsExtensionCap(t *testing.T) {
	assert := assert.New(t)
	f := setup(t)
	f.manager.MaxExtensions = 1
	fm := f.flag(t)
	s := f.open(t, fm, 4, 0.75)

	f.breakLedger(t)

	// below the cap a failing tally still extends
	f.manager.handleDeadline(s)
	assert.Equal(1, s.Extensions)

	// at the cap it re-arms without extending, however often it fires
	f.manager.handleDeadline(s)
	f.manager.handleDeadline(s)
	assert.Equal(1, s.Extensions)
	assert.Equal(models.ReviewStatusPending, s.Status())
	assert.Len(f.notices.byKind(NoticeExtended), 1)
}

func TestResolveWriteFailureRearmsDeadline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	s := f.open(t, fm, 2, 0.5)

	f.breakLedger(t)

	s.mu.Lock()
	m := f.manager
	m.resolveLocked(ctx, s, models.ReviewStatusApproved, ledger.VoteTally{Approve: 1})
	s.mu.Unlock()

	// the session stays pending, registered, and armed for a retry
	assert.Equal(models.ReviewStatusPending, s.Status())
	_, ok := f.manager.sessions.Load(fm.ID)
	assert.True(ok)

	s.mu.Lock()
	assert.NotNil(s.timer)
	assert.True(s.Deadline.Before(time.Now().Add(2 * resolveRetryInterval)))
	s.mu.Unlock()

	// no resolution, no learner trigger
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int32(0), f.learner.calls.Load())
	assert.Empty(f.notices.byKind(NoticeResolved))
}

func TestVoteDeadlineRaceSingleResolution(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	s := f.open(t, fm, 2, 0.5)

	// one vote is enough to resolve; fire the deadline concurrently and
	// check exactly one terminal write and one learner trigger
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	}()
	go func() {
		defer wg.Done()
		f.manager.handleDeadline(s)
	}()
	wg.Wait()

	stored, err := f.ledger.GetFlaggedMessage(ctx, fm.ID)
	assert.NoError(err)
	assert.True(stored.Status.Terminal())

	assert.Eventually(func() bool { return f.learner.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int32(1), f.learner.calls.Load())
}

func TestConcurrentVotesSingleResolution(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)
	f.open(t, fm, 4, 0.5)

	// four approvals racing; two would each cross 2/4 >= 0.5
	var wg sync.WaitGroup
	for _, voter := range []string{"mod-1", "mod-2", "mod-3", "mod-4"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			f.manager.CastVote(ctx, fm.ID, v, true)
		}(voter)
	}
	wg.Wait()

	stored, err := f.ledger.GetFlaggedMessage(ctx, fm.ID)
	assert.NoError(err)
	assert.Equal(models.ReviewStatusApproved, stored.Status)

	assert.Eventually(func() bool { return f.learner.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(int32(1), f.learner.calls.Load())

	assert.Len(f.notices.byKind(NoticeResolved), 1)
}

func TestLazySessionRecoveryOnVote(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)
	fm := f.flag(t)

	// no Open call: the manager reopens the session from the ledger
	res, err := f.manager.CastVote(ctx, fm.ID, "mod-1", true)
	assert.NoError(err)
	assert.NotNil(res)

	// resolved flags stay closed
	fm2 := f.flag(t)
	assert.NoError(f.ledger.ResolveFlaggedMessage(ctx, fm2.ID, models.ReviewStatusRejected))
	_, err = f.manager.CastVote(ctx, fm2.ID, "mod-1", true)
	assert.ErrorIs(err, ErrSessionClosed)
}

func TestRecoverReopensPendingFlags(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := setup(t)

	open1 := f.flag(t)
	open2 := models.FlaggedMessage{ServerID: f.server.ID, MessageRef: "m2", RuleID: f.rule.ID}
	require.NoError(t, f.ledger.CreateFlaggedMessage(ctx, &open2))
	closed := models.FlaggedMessage{ServerID: f.server.ID, MessageRef: "m3", RuleID: f.rule.ID}
	require.NoError(t, f.ledger.CreateFlaggedMessage(ctx, &closed))
	require.NoError(t, f.ledger.ResolveFlaggedMessage(ctx, closed.ID, models.ReviewStatusApproved))

	assert.NoError(f.manager.Recover(ctx))

	_, ok := f.manager.sessions.Load(open1.ID)
	assert.True(ok)
	_, ok = f.manager.sessions.Load(open2.ID)
	assert.True(ok)
	_, ok = f.manager.sessions.Load(closed.ID)
	assert.False(ok)
}
