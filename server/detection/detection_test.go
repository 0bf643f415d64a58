package detection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/schedule"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type result struct {
	sourceID   uint32
	frame      *framequeue.Frame
	detections []nn.Detection
}

type recordingSink struct {
	lock    sync.Mutex
	results []result
}

func (r *recordingSink) PushResults(sourceID uint32, frame *framequeue.Frame, detections []nn.Detection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.results = append(r.results, result{sourceID, frame, detections})
}

func (r *recordingSink) all() []result {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]result{}, r.results...)
}

func (r *recordingSink) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.results)
}

var testDetection = nn.Detection{
	Class:      nn.COCOPerson,
	Label:      "person",
	Confidence: 0.9,
	Box:        nn.Rect{X: 1, Y: 1, Width: 2, Height: 2},
}

func frameOfWidth(width int) *framequeue.Frame {
	return framequeue.NewFrame(cimg.NewImage(width, 4, cimg.PixelFormatRGB))
}

func newTestService(t *testing.T, batchSize int, strategy schedule.Strategy) (*Service, *nn.StubDetector, *recordingSink) {
	sink := &recordingSink{}
	s := NewService(logs.NewTestingLog(t), sink, Options{Strategy: strategy})
	model := nn.NewStubDetector(64, 64, batchSize, []nn.Detection{testDetection})
	require.NoError(t, s.UseModel(model))
	t.Cleanup(s.Stop)
	return s, model, sink
}

func waitForResults(t *testing.T, sink *recordingSink, n int) []result {
	require.Eventually(t, func() bool { return sink.count() >= n }, 5*time.Second, time.Millisecond)
	return sink.all()
}

func TestStartRequiresModel(t *testing.T) {
	s := NewService(logs.NewTestingLog(t), nil, Options{})
	require.ErrorIs(t, s.Start(), ErrNoModel)
	require.False(t, s.IsRunning())
	require.Equal(t, schedule.NameLoad, s.Strategy().Name())
}

func TestModelCannotChangeWhileRunning(t *testing.T) {
	s, _, _ := newTestService(t, 1, nil)
	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	other := nn.NewStubDetector(32, 32, 1, nil)
	require.ErrorIs(t, s.UseModel(other), ErrModelInUse)
	s.Stop()
	require.NoError(t, s.UseModel(other))
	require.Same(t, other, s.Model())
}

// Two sources with one frame each produce exactly one result per source
func TestOneResultPerSource(t *testing.T) {
	s, _, sink := newTestService(t, 1, nil)
	require.True(t, s.RegisterSource(1))
	require.True(t, s.RegisterSource(2))
	f1 := frameOfWidth(4)
	f2 := frameOfWidth(4)
	require.True(t, s.TryPush(1, f1))
	require.True(t, s.TryPush(2, f2))
	require.NoError(t, s.Start())

	results := waitForResults(t, sink, 2)
	// Give the loop a chance to produce anything extra
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, sink.count())

	seen := map[uint32]*framequeue.Frame{}
	for _, r := range results {
		seen[r.sourceID] = r.frame
		require.Equal(t, []nn.Detection{testDetection}, r.detections)
	}
	require.Same(t, f1, seen[1])
	require.Same(t, f2, seen[2])
	require.Equal(t, uint64(2), s.Performance().TotalProcessed)
	require.Equal(t, 2, s.Performance().ActiveSources)
}

// A failing frame from one source doesn't stop another source from being processed
func TestModelFailureIsolation(t *testing.T) {
	s, model, sink := newTestService(t, 1, schedule.PrioritizeOrder{})
	model.Fail = func(img *cimg.Image) error {
		if img.Width == 8 {
			return errors.New("bad frame")
		}
		return nil
	}
	s.RegisterSource(1)
	s.RegisterSource(2)
	s.TryPush(1, frameOfWidth(8))
	s.TryPush(2, frameOfWidth(4))
	require.NoError(t, s.Start())

	results := waitForResults(t, sink, 1)
	require.Eventually(t, func() bool { return s.FailedFrames() == 1 }, 5*time.Second, time.Millisecond)
	require.Len(t, results, 1)
	require.Equal(t, uint32(2), results[0].sourceID)
	require.Equal(t, uint64(1), s.Performance().TotalProcessed)
}

func TestModelPanicIsRecovered(t *testing.T) {
	s, model, sink := newTestService(t, 1, nil)
	model.Fail = func(img *cimg.Image) error {
		if img.Width == 8 {
			panic("out of bounds")
		}
		return nil
	}
	s.RegisterSource(1)
	s.TryPush(1, frameOfWidth(8))
	s.TryPush(1, frameOfWidth(4))
	require.NoError(t, s.Start())

	results := waitForResults(t, sink, 1)
	require.Equal(t, 4, results[0].frame.Image.Width)
	require.Equal(t, uint64(1), s.FailedFrames())
	require.True(t, s.IsRunning())
}

func TestFIFOThroughLoop(t *testing.T) {
	s, _, sink := newTestService(t, 1, nil)
	s.RegisterSource(3)
	for i := 0; i < 20; i++ {
		s.TryPush(3, frameOfWidth(4))
	}
	require.NoError(t, s.Start())
	results := waitForResults(t, sink, 20)
	for i, r := range results {
		require.Equal(t, uint64(i), r.frame.Seq)
	}
}

func TestParkAndWake(t *testing.T) {
	s, model, sink := newTestService(t, 1, nil)
	require.NoError(t, s.Start())
	// Nothing registered, so the loop parks
	require.Eventually(t, s.idle.Load, 5*time.Second, time.Millisecond)
	require.Equal(t, int64(0), model.Calls.Load())

	s.RegisterSource(5)
	require.True(t, s.TryPush(5, frameOfWidth(4)))
	results := waitForResults(t, sink, 1)
	require.Equal(t, uint32(5), results[0].sourceID)

	// Once the queue is drained, the loop parks again
	require.Eventually(t, s.idle.Load, 5*time.Second, time.Millisecond)
	require.Equal(t, 0, s.Pending())
}

func TestStopWhileParked(t *testing.T) {
	s, _, _ := newTestService(t, 1, nil)
	require.NoError(t, s.Start())
	require.Eventually(t, s.idle.Load, 5*time.Second, time.Millisecond)

	stopped := make(chan bool)
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.False(t, s.IsRunning())

	// Frames pushed while stopped wait for the next Start
	s.RegisterSource(1)
	s.TryPush(1, frameOfWidth(4))
	require.Equal(t, 1, s.Pending())
}

func TestBatchInference(t *testing.T) {
	s, model, sink := newTestService(t, 4, nil)
	s.RegisterSource(1)
	s.RegisterSource(2)
	for i := 0; i < 3; i++ {
		s.TryPush(1, frameOfWidth(4))
		s.TryPush(2, frameOfWidth(4))
	}
	require.NoError(t, s.Start())
	results := waitForResults(t, sink, 6)
	require.Len(t, results, 6)
	require.Equal(t, int64(6), model.Calls.Load())

	// Within each source, frames still arrive in order
	next := map[uint32]uint64{}
	for _, r := range results {
		require.Equal(t, next[r.sourceID], r.frame.Seq)
		next[r.sourceID]++
	}
	require.Equal(t, uint64(6), s.Performance().TotalProcessed)
}

func TestBatchFailureDropsWholeBatch(t *testing.T) {
	s, model, sink := newTestService(t, 2, nil)
	model.Fail = func(img *cimg.Image) error {
		if img.Width == 8 {
			return errors.New("bad frame")
		}
		return nil
	}
	s.RegisterSource(1)
	s.TryPush(1, frameOfWidth(8))
	s.TryPush(1, frameOfWidth(4))
	s.TryPush(1, frameOfWidth(4))
	require.NoError(t, s.Start())

	// The first batch holds the bad frame and one good frame. The second batch holds the last frame.
	results := waitForResults(t, sink, 1)
	require.Eventually(t, func() bool { return s.FailedFrames() == 2 }, 5*time.Second, time.Millisecond)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].frame.Seq)
}

func TestUnregisterDiscardsFrames(t *testing.T) {
	s, _, sink := newTestService(t, 1, nil)
	s.RegisterSource(1)
	s.RegisterSource(2)
	for i := 0; i < 5; i++ {
		s.TryPush(1, frameOfWidth(4))
	}
	s.TryPush(2, frameOfWidth(4))
	require.True(t, s.UnregisterSource(1))
	require.False(t, s.UnregisterSource(1))
	require.False(t, s.TryPush(1, frameOfWidth(4)))
	require.NoError(t, s.Start())

	results := waitForResults(t, sink, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sink.count())
	require.Equal(t, uint32(2), results[0].sourceID)
}

func TestDropCounters(t *testing.T) {
	s := NewService(logs.NewTestingLog(t), nil, Options{Capacity: 3})
	s.RegisterSource(7)
	for i := 0; i < 10; i++ {
		s.TryPush(7, frameOfWidth(4))
	}
	dropped, ok := s.DroppedFrames(7)
	require.True(t, ok)
	require.Equal(t, uint64(7), dropped)
	require.Equal(t, uint64(7), s.TotalDroppedFrames())
	require.Equal(t, []framequeue.SourceStats{{ID: 7, Backlog: 3, Dropped: 7}}, s.Sources())
}

func TestConcurrentLifecycle(t *testing.T) {
	s, _, sink := newTestService(t, 1, schedule.PrioritizeOrder{})
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				s.RegisterSource(id)
				for i := 0; i < 5; i++ {
					s.TryPush(id, frameOfWidth(4))
				}
				s.UnregisterSource(id)
			}
		}(uint32(p))
	}
	// A source that stays registered throughout
	s.RegisterSource(100)
	for i := 0; i < 10; i++ {
		s.TryPush(100, frameOfWidth(4))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		n := 0
		for _, r := range sink.all() {
			if r.sourceID == 100 {
				n++
			}
		}
		return n == 10
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, s.Performance().ActiveSources)
}
