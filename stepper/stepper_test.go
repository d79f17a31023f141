package stepper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	steps  []time.Duration
	alphas []float64
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Physics: func(step time.Duration) error {
			r.steps = append(r.steps, step)
			return nil
		},
		Render: func(alpha float64) error {
			r.alphas = append(r.alphas, alpha)
			return nil
		},
	}
}

func TestUnclampedAccumulator(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{TimeStep: 10 * time.Millisecond}, rec.callbacks())
	require.NoError(t, err)

	require.NoError(t, s.Tick(t0))
	assert.Empty(t, rec.steps)
	require.Len(t, rec.alphas, 1)

	require.NoError(t, s.Tick(t0.Add(35*time.Millisecond)))
	assert.Len(t, rec.steps, 3)
	assert.InDelta(t, 0.5, rec.alphas[1], 1e-9)

	// 积压 5ms + 5ms 正好凑满一步
	require.NoError(t, s.Tick(t0.Add(40*time.Millisecond)))
	assert.Len(t, rec.steps, 4)
	assert.Equal(t, 0.0, rec.alphas[2])

	// 长时间后台：一次补齐所有步
	require.NoError(t, s.Tick(t0.Add(1040*time.Millisecond)))
	assert.Len(t, rec.steps, 104)
	assert.Equal(t, uint64(0), s.Stats().DroppedSteps)
}

func TestClampedAccumulatorCapsSteps(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		TimeStep:    10 * time.Millisecond,
		Accumulator: Clamped,
		ClampWindow: 50 * time.Millisecond,
	}, rec.callbacks())
	require.NoError(t, err)

	require.NoError(t, s.Tick(t0))
	require.NoError(t, s.Tick(t0.Add(time.Second)))
	assert.Len(t, rec.steps, 5)
	st := s.Stats()
	assert.Equal(t, uint64(95), st.DroppedSteps)
	assert.Equal(t, uint64(5), st.PhysicsSteps)

	// 同一窗口内不再执行物理步
	require.NoError(t, s.Tick(t0.Add(time.Second+20*time.Millisecond)))
	assert.Len(t, rec.steps, 5)

	// 新窗口恢复
	require.NoError(t, s.Tick(t0.Add(time.Second+60*time.Millisecond)))
	assert.Len(t, rec.steps, 9)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, Callbacks{})
	assert.Error(t, err)
	_, err = New(Config{TimeStep: time.Second, Accumulator: Clamped, ClampWindow: time.Millisecond}, Callbacks{})
	assert.Error(t, err)
}

func TestSkipPolicySkipsOverlappingTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s, err := New(Config{TimeStep: 10 * time.Millisecond, Reentrancy: Skip}, Callbacks{
		Render: func(float64) error {
			once.Do(func() {
				close(entered)
				<-release
			})
			return nil
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Tick(t0) }()
	<-entered

	require.NoError(t, s.Tick(t0.Add(10*time.Millisecond)))
	assert.Equal(t, uint64(1), s.Stats().SkippedTicks)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), s.Stats().Renders)
}

func TestCallbackErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	s, err := New(Config{TimeStep: time.Millisecond, Drive: DriveTimer}, Callbacks{
		Physics: func(time.Duration) error {
			calls++
			if calls == 3 {
				return boom
			}
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestCallbackPanicPropagates(t *testing.T) {
	s, err := New(Config{TimeStep: time.Millisecond}, Callbacks{
		Physics: func(time.Duration) error { panic("physics exploded") },
	})
	require.NoError(t, err)
	require.NoError(t, s.Tick(t0))
	assert.Panics(t, func() { _ = s.Tick(t0.Add(time.Millisecond)) })
}

func TestRunFramesUsesFrameTimestamps(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{TimeStep: 16 * time.Millisecond, Drive: DriveFrame}, rec.callbacks())
	require.NoError(t, err)

	frames := make(chan time.Time, 4)
	for i := 0; i < 4; i++ {
		frames <- t0.Add(time.Duration(i) * 16 * time.Millisecond)
	}
	close(frames)

	require.NoError(t, s.RunFrames(context.Background(), frames))
	assert.Len(t, rec.steps, 3)
	assert.Len(t, rec.alphas, 4)

	assert.ErrorIs(t, s.Run(context.Background()), ErrWrongDrive)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Config{TimeStep: time.Millisecond}, Callbacks{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}
