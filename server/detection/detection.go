// Package detection runs the single inference loop that services every source's frame queue.
package detection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/pkg/perfstats"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/schedule"
	"github.com/cyclopcam/logs"
)

var ErrNoModel = errors.New("No detection model has been installed")
var ErrModelInUse = errors.New("Cannot change the detection model while the inference loop is running")
var ErrAlreadyRunning = errors.New("The inference loop is already running")

// ResultsSink receives the output of the inference loop.
// PushResults must not block. If the sink is full, it must drop the result.
type ResultsSink interface {
	PushResults(sourceID uint32, frame *framequeue.Frame, detections []nn.Detection)
}

// Performance is a snapshot of the inference loop's throughput
type Performance struct {
	AvgLatencyMS   float64 `json:"avgLatencyMs"`   // Moving average of the time taken to process one frame
	AvgFPS         float64 `json:"avgFps"`         // Frames per second, derived from AvgLatencyMS
	ActiveSources  int     `json:"activeSources"`  // Number of registered sources
	TotalProcessed uint64  `json:"totalProcessed"` // Frames that were successfully processed
}

type Options struct {
	Capacity int               // Frames per source queue. Zero for framequeue.DefaultCapacity.
	Strategy schedule.Strategy // nil for schedule.PrioritizeLoad
}

// Service owns the frame queues and the detection model.
// Any number of goroutines may register sources and push frames, while a
// single background goroutine pops frames and runs them through the model.
type Service struct {
	Log logs.Log

	table    *framequeue.Table
	strategy schedule.Strategy
	sink     ResultsSink

	modelLock sync.Mutex // Guards model and running
	model     nn.ObjectDetector
	running   bool

	wakeLock sync.Mutex
	wake     *sync.Cond  // Signalled when frames arrive, or when we must stop
	idle     atomic.Bool // True while the loop is parked, waiting for frames

	mustStop    atomic.Bool // True if Stop() has been called
	loopStopped chan bool   // Closed when the loop exits

	timer     perfstats.RollingTimer
	failed    atomic.Uint64 // Frames that the model failed on
	lastErrAt time.Time     // Owned by the loop
}

// NewService creates a detection service. If sink is nil, results are discarded.
func NewService(logger logs.Log, sink ResultsSink, options Options) *Service {
	strategy := options.Strategy
	if strategy == nil {
		strategy = schedule.PrioritizeLoad{}
	}
	s := &Service{
		Log:      logs.NewPrefixLogger(logger, "Detection:"),
		table:    framequeue.NewTable(options.Capacity),
		strategy: strategy,
		sink:     sink,
	}
	s.wake = sync.NewCond(&s.wakeLock)
	return s
}

// UseModel installs the detection model.
// The model cannot be changed while the loop is running. Stop the service first.
func (s *Service) UseModel(model nn.ObjectDetector) error {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()
	if s.running {
		return ErrModelInUse
	}
	s.model = model
	return nil
}

// Model returns the installed detection model, or nil
func (s *Service) Model() nn.ObjectDetector {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()
	return s.model
}

// Strategy returns the scheduling strategy
func (s *Service) Strategy() schedule.Strategy {
	return s.strategy
}

// Start the inference loop
func (s *Service) Start() error {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()
	if s.model == nil {
		return ErrNoModel
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.mustStop.Store(false)
	s.loopStopped = make(chan bool)
	s.Log.Infof("Starting inference loop (strategy %v, queue capacity %v)", s.strategy.Name(), s.table.Capacity())
	go s.run(s.model)
	return nil
}

// Stop the inference loop, and wait for it to exit.
// A frame that is already inside the model is finished first.
// Frames that are still queued stay queued, and will be processed if the loop is restarted.
func (s *Service) Stop() {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()
	if !s.running {
		return
	}
	s.mustStop.Store(true)
	s.wakeLoop(true)
	<-s.loopStopped
	s.running = false
	s.Log.Infof("Inference loop stopped (%v frames processed, %v average)", s.timer.Count(), s.timer.LifetimeAverage())
}

// IsRunning returns true if the inference loop is running
func (s *Service) IsRunning() bool {
	s.modelLock.Lock()
	defer s.modelLock.Unlock()
	return s.running
}

// RegisterSource adds a source. Returns false if the source is already registered.
func (s *Service) RegisterSource(id uint32) bool {
	if !s.table.Register(id) {
		return false
	}
	s.Log.Infof("Registered source %v", id)
	s.wakeLoop(false)
	return true
}

// UnregisterSource removes a source, discarding its queued frames.
// Returns false if the source is not registered.
func (s *Service) UnregisterSource(id uint32) bool {
	if !s.table.Unregister(id) {
		return false
	}
	s.Log.Infof("Unregistered source %v", id)
	return true
}

// TryPush adds a frame to the back of the source's queue, evicting the oldest
// frame if the queue is full. It never blocks.
// Returns false if the source is not registered.
func (s *Service) TryPush(id uint32, frame *framequeue.Frame) bool {
	if !s.table.TryPush(id, frame) {
		return false
	}
	s.wakeLoop(false)
	return true
}

// Contains returns true if the source is registered
func (s *Service) Contains(id uint32) bool {
	return s.table.Contains(id)
}

// Sources returns a snapshot of every source's queue
func (s *Service) Sources() []framequeue.SourceStats {
	return s.table.Stats()
}

// DroppedFrames returns the number of frames evicted from the source's queue
func (s *Service) DroppedFrames(id uint32) (uint64, bool) {
	return s.table.Dropped(id)
}

// TotalDroppedFrames returns the number of frames evicted from all queues
func (s *Service) TotalDroppedFrames() uint64 {
	return s.table.TotalDropped()
}

// FailedFrames returns the number of frames that the model failed to process
func (s *Service) FailedFrames() uint64 {
	return s.failed.Load()
}

// Pending returns the number of frames waiting in all queues
func (s *Service) Pending() int {
	return s.table.Pending()
}

// Performance returns a snapshot of the loop's throughput. Safe to call from any goroutine.
func (s *Service) Performance() Performance {
	return Performance{
		AvgLatencyMS:   s.timer.AvgTimeMilli(),
		AvgFPS:         s.timer.AvgFPS(),
		ActiveSources:  s.table.NumSources(),
		TotalProcessed: s.timer.Count(),
	}
}

// Wake the loop if it is parked.
// If always is false, we only take the lock when the loop has told us that it's idle.
func (s *Service) wakeLoop(always bool) {
	if !always && !s.idle.Load() {
		return
	}
	s.wakeLock.Lock()
	s.wake.Broadcast()
	s.wakeLock.Unlock()
}

// Park until there is at least one frame waiting, or we must stop
func (s *Service) waitForFrames() {
	s.wakeLock.Lock()
	s.idle.Store(true)
	for s.table.Pending() <= 0 && !s.mustStop.Load() {
		s.wake.Wait()
	}
	s.idle.Store(false)
	s.wakeLock.Unlock()
}
