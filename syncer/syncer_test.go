package syncer

import (
	stderrors "errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arenasync/sim"
)

var area = sim.AABB{BottomRight: sim.Vec2{X: 100, Y: 100}}

type fakeEngine struct {
	*sim.Engine
	advance func(*sim.GameState, uint64, sim.AABB, bool) (*sim.GameState, error)
}

func (f fakeEngine) Advance(s *sim.GameState, ticks uint64, a sim.AABB, isClient bool) (*sim.GameState, error) {
	return f.advance(s, ticks, a, isClient)
}

func newEngine() *sim.Engine { return sim.NewEngine(sim.DefaultConfig()) }

// world 返回带一个玩家的 CargoRush 世界
func world(t *testing.T) *sim.GameState {
	t.Helper()
	e := newEngine()
	s := sim.SeedWorld("123", sim.ModeCargoRush)
	s.Actions = []sim.Action{{PlayerID: "alice", Kind: sim.ActionJoin}}
	out, err := e.Advance(s, 16_000, sim.WorldArea(s), false)
	require.NoError(t, err)
	return out
}

func initialized(t *testing.T, opts ...Option) (*Syncer, *sim.GameState) {
	t.Helper()
	s := New(newEngine(), DefaultConfig(), opts...)
	st := world(t)
	res := s.Handle(InitEvent(st))
	require.Equal(t, ResultSuccess, res.Kind)
	return s, st
}

func TestInitResetsBuffers(t *testing.T) {
	s, st := initialized(t)
	assert.Equal(t, StatusSynced, s.Status())
	assert.True(t, s.Observe().Equal(st))
	assert.NotSame(t, st, s.Observe())

	s.Handle(TimeUpdateEvent(-1, area))
	require.NotEmpty(t, s.FlushLog())
	s.Handle(TimeUpdateEvent(-1, area))

	res := s.Handle(InitEvent(st))
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Empty(t, s.FlushViolations())
	log := s.FlushLog()
	require.Len(t, log, 1)
	assert.Equal(t, EventInit, log[0].Event)
	assert.Empty(t, s.FlushLog(), "flush drains")
}

func TestEventsBeforeInitFail(t *testing.T) {
	s := New(newEngine(), DefaultConfig())
	res := s.Handle(TimeUpdateEvent(16_000, area))
	assert.Equal(t, ResultError, res.Kind)
	assert.ErrorIs(t, res.Err, ErrNotInitialized)
	assert.Nil(t, s.Observe())

	res = s.Handle(InitEvent(nil))
	assert.ErrorIs(t, res.Err, ErrNilState)
}

func TestTimeUpdateKeepsPartialFrame(t *testing.T) {
	s, st := initialized(t)
	res := s.Handle(TimeUpdateEvent(100_000, area))
	require.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, st.Millis+96, res.State.Millis)
	assert.Same(t, res.State, s.Observe())
}

func TestZeroElapsedIsNoop(t *testing.T) {
	s, _ := initialized(t)
	before := s.Observe()
	res := s.Handle(TimeUpdateEvent(0, area))
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Same(t, before, s.Observe())
}

func TestStructuralErrorsAreFatal(t *testing.T) {
	cases := map[string]Event{
		"negative":   TimeUpdateEvent(-16_000, area),
		"nan":        TimeUpdateEvent(math.NaN(), area),
		"inf":        TimeUpdateEvent(math.Inf(1), area),
		"fractional": TimeUpdateEvent(1.5, area),
		"bad area":   TimeUpdateEvent(16_000, sim.AABB{TopLeft: sim.Vec2{X: 5}}),
		"bad kind":   {Kind: EventKind(99)},
		"nil server": ServerStateEvent(nil, area),
		"bad action": PlayerActionEvent(nil, sim.AABB{TopLeft: sim.Vec2{Y: math.NaN()}}),
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			s, st := initialized(t)
			res := s.Handle(ev)
			assert.Equal(t, ResultError, res.Kind)
			assert.NotEmpty(t, res.Message())
			assert.Equal(t, StatusErrored, s.Status())

			res = s.Handle(TimeUpdateEvent(16_000, area))
			assert.ErrorIs(t, res.Err, ErrSessionErrored)

			res = s.Handle(InitEvent(st))
			assert.Equal(t, ResultSuccess, res.Kind)
			assert.Equal(t, StatusSynced, s.Status())
		})
	}
}

func TestPlayerActionWaitsForTimeUpdate(t *testing.T) {
	s, st := initialized(t)
	startX := st.Ships["ship-alice"].X

	res := s.Handle(PlayerActionEvent([]sim.Action{{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.DirRight}}, area))
	require.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, st.Millis, res.State.Millis, "actions never advance time")
	assert.Equal(t, 1, s.PendingActions())

	res = s.Handle(TimeUpdateEvent(160_000, area))
	require.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, 0, s.PendingActions())
	assert.Greater(t, res.State.Ships["ship-alice"].X, startX)
	assert.Empty(t, s.FlushViolations())
}

func TestActionQueueOverflowRecordsDrop(t *testing.T) {
	s := New(newEngine(), Config{ActionQueueLimit: 2})
	s.Handle(InitEvent(world(t)))

	actions := []sim.Action{
		{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.DirUp, Seq: 1},
		{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.DirDown, Seq: 2},
		{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.DirLeft, Seq: 3},
	}
	res := s.Handle(PlayerActionEvent(actions, area))
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, 2, s.PendingActions())

	v := s.FlushViolations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationActionDropped, v[0].Kind)
	assert.Contains(t, v[0].Message, "seq=1")
	assert.Empty(t, s.FlushViolations())
}

func TestServerStateAheadReplaces(t *testing.T) {
	s, st := initialized(t)
	e := newEngine()
	ahead, err := e.Advance(st, 320_000, area, false)
	require.NoError(t, err)

	res := s.Handle(ServerStateEvent(ahead, area))
	require.Equal(t, ResultSuccess, res.Kind)
	assert.True(t, s.Observe().Equal(ahead))
	assert.NotSame(t, ahead, s.Observe())
}

func TestServerStateBehindConverges(t *testing.T) {
	s, st := initialized(t)
	s.Handle(TimeUpdateEvent(160_000, area))

	res := s.Handle(ServerStateEvent(st, area))
	require.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, st.Millis+160, s.Observe().Millis, "behind state is not regressed into")

	res = s.Handle(TimeUpdateEvent(160_000, area))
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, StatusSynced, s.Status())
	assert.Empty(t, s.FlushViolations())
}

func TestDesyncAdoptsAuthorityAndRecovers(t *testing.T) {
	s, st := initialized(t)
	s.Handle(TimeUpdateEvent(160_000, area))

	auth := st.Clone()
	auth.Ships["ship-alice"].X += 30
	auth.Ships["ship-alice"].X = math.Min(auth.Ships["ship-alice"].X, 99)
	res := s.Handle(ServerStateEvent(auth, area))
	require.Equal(t, ResultSuccess, res.Kind)

	res = s.Handle(TimeUpdateEvent(160_000, area))
	require.Equal(t, ResultDesyncedSuccess, res.Kind)
	assert.Equal(t, StatusDesynced, s.Status())
	assert.Equal(t, auth.Ships["ship-alice"].X, res.State.Ships["ship-alice"].X)
	assert.Equal(t, st.Millis+320, res.State.Millis)

	v := s.FlushViolations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationDesync, v[0].Kind)

	res = s.Handle(TimeUpdateEvent(16_000, area))
	assert.Equal(t, ResultDesyncedSuccess, res.Kind, "still resyncing")

	res = s.Handle(ServerStateEvent(s.Observe(), area))
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, StatusSynced, s.Status())
}

func TestSmallDriftWithinBudgetIsNotViolation(t *testing.T) {
	s := New(newEngine(), Config{Epsilon: 1e-9, MaxDriftPerTick: 1})
	st := world(t)
	s.Handle(InitEvent(st))
	s.Handle(TimeUpdateEvent(16_000, area))

	auth := st.Clone()
	auth.Ships["ship-alice"].Y = math.Min(auth.Ships["ship-alice"].Y+0.5, 99)
	s.Handle(ServerStateEvent(auth, area))
	res := s.Handle(TimeUpdateEvent(16_000, area))
	assert.Equal(t, ResultDesyncedSuccess, res.Kind)
	assert.Empty(t, s.FlushViolations())
}

func TestStaleAuthorityIsIgnored(t *testing.T) {
	s, st := initialized(t)
	e := newEngine()
	newer, err := e.Advance(st, 32_000, area, false)
	require.NoError(t, err)
	s.Handle(TimeUpdateEvent(160_000, area))

	s.Handle(ServerStateEvent(newer, area))
	res := s.Handle(ServerStateEvent(st, area))
	assert.Equal(t, ResultSuccess, res.Kind)

	v := s.FlushViolations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationStaleAuthority, v[0].Kind)
}

func TestServerStateFromOtherWorldIsFatal(t *testing.T) {
	s, _ := initialized(t)
	res := s.Handle(ServerStateEvent(sim.SeedWorld("999", sim.ModeSandbox), area))
	assert.ErrorIs(t, res.Err, sim.ErrIdentityMismatch)
	assert.Equal(t, StatusErrored, s.Status())
}

func TestEngineFailuresBecomeErrors(t *testing.T) {
	cases := map[string]func(*sim.GameState, uint64, sim.AABB, bool) (*sim.GameState, error){
		"panic": func(*sim.GameState, uint64, sim.AABB, bool) (*sim.GameState, error) {
			panic("wasm trap")
		},
		"error": func(*sim.GameState, uint64, sim.AABB, bool) (*sim.GameState, error) {
			return nil, sim.ErrNilState
		},
		"nil": func(*sim.GameState, uint64, sim.AABB, bool) (*sim.GameState, error) {
			return nil, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(fakeEngine{Engine: newEngine(), advance: fn}, DefaultConfig())
			s.Handle(InitEvent(world(t)))
			var res Result
			require.NotPanics(t, func() { res = s.Handle(TimeUpdateEvent(16_000, area)) })
			assert.ErrorIs(t, res.Err, ErrEngineFailure)
			assert.True(t, stderrors.Is(res.Err, ErrEngineFailure))
			if name == "error" {
				assert.Contains(t, res.Err.Error(), sim.ErrNilState.Error())
			}
			v := s.FlushViolations()
			require.Len(t, v, 1)
			assert.Equal(t, ViolationEngineFailure, v[0].Kind)
		})
	}
}

func TestTimeRegressionIsRecorded(t *testing.T) {
	stuck := func(s *sim.GameState, _ uint64, _ sim.AABB, _ bool) (*sim.GameState, error) {
		c := s.Clone()
		if c.Millis >= 16 {
			c.Millis -= 16
		}
		return c, nil
	}
	s := New(fakeEngine{Engine: newEngine(), advance: stuck}, DefaultConfig())
	s.Handle(InitEvent(world(t)))

	res := s.Handle(TimeUpdateEvent(16_000, area))
	assert.ErrorIs(t, res.Err, ErrTimeNotAdvanced)
	v := s.FlushViolations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationTimeRegression, v[0].Kind)
}

func TestObservedSnapshotIsNeverMutated(t *testing.T) {
	s, _ := initialized(t)
	s.Handle(PlayerActionEvent([]sim.Action{{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.DirDown}}, area))
	held := s.Observe()
	frozen := held.Clone()

	s.Handle(TimeUpdateEvent(480_000, area))
	s.Handle(ServerStateEvent(frozen, area))
	s.Handle(TimeUpdateEvent(16_000, area))

	assert.NotSame(t, held, s.Observe())
	assert.True(t, held.Equal(frozen))
}

func TestTimeNeverRegressesUnderRandomEvents(t *testing.T) {
	e := newEngine()
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		s, st := initialized(t)
		history := []*sim.GameState{st}
		last := st.Millis
		for i := 0; i < 60; i++ {
			var ev Event
			switch rng.Intn(4) {
			case 0, 1:
				ev = TimeUpdateEvent(float64(rng.Intn(80_000)), area)
			case 2:
				base := history[rng.Intn(len(history))]
				auth, err := e.Advance(base, uint64(rng.Intn(200_000)), area, false)
				require.NoError(t, err)
				ev = ServerStateEvent(auth, area)
			default:
				ev = PlayerActionEvent([]sim.Action{{PlayerID: "alice", Kind: sim.ActionMove, Dir: sim.Direction(rng.Intn(5))}}, area)
			}
			res := s.Handle(ev)
			require.True(t, res.OK(), "round %d step %d: %s", round, i, res.Message())
			assert.GreaterOrEqual(t, res.State.Millis, last)
			last = res.State.Millis
			history = append(history, res.State)
		}
		for _, v := range s.FlushViolations() {
			assert.NotEqual(t, ViolationTimeRegression, v.Kind)
		}
	}
}
