// Package processing consumes the output of the inference loop: it filters the
// detections, publishes them, hands them to watchers, and draws them onto the frame.
package processing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/logs"
)

const DefaultQueueSize = 100
const DefaultPublishLimit = 5

// Publisher sends results to the outside world
type Publisher interface {
	PublishDetections(sourceID uint32, detections []nn.Detection) error
	PublishImage(sourceID uint32, img *cimg.Image) error
}

// Result is the output of one inference, after filtering
type Result struct {
	SourceID   uint32            `json:"sourceId"`
	Seq        uint64            `json:"seq"`
	Received   time.Time         `json:"received"`
	Detections []nn.Detection    `json:"detections"`
	Frame      *framequeue.Frame `json:"-"`
}

type Options struct {
	QueueSize    int       // Capacity of the results queue. Zero for DefaultQueueSize.
	Filter       Filter    // Applied to every result before it is published
	PublishLimit int       // Maximum number of detections per published message. Zero for DefaultPublishLimit. Negative for unlimited.
	Annotate     bool      // Draw detections onto the frame, and publish the frame
	Publisher    Publisher // May be nil
}

type queueItem struct {
	sourceID   uint32
	frame      *framequeue.Frame
	detections []nn.Detection
}

// Service is the results stage that sits after the detection service.
// PushResults never blocks. If we fall behind, results are dropped.
type Service struct {
	Log logs.Log

	options Options
	queue   chan queueItem

	dropped        atomic.Uint64
	processed      atomic.Uint64
	lastDropWarnAt atomic.Int64 // unix nanoseconds
	lastErrAt      time.Time    // Owned by the run goroutine

	watchersLock       sync.RWMutex
	watchers           map[uint32][]chan *Result
	watchersAllSources []chan *Result

	lifecycleLock sync.Mutex
	running       bool
	mustStop      chan bool
	stopped       chan bool
}

func NewService(logger logs.Log, options Options) *Service {
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}
	if options.PublishLimit == 0 {
		options.PublishLimit = DefaultPublishLimit
	}
	return &Service{
		Log:      logs.NewPrefixLogger(logger, "Processing:"),
		options:  options,
		queue:    make(chan queueItem, options.QueueSize),
		watchers: map[uint32][]chan *Result{},
	}
}

// SetPublisher replaces the publisher. It must be called before Start.
func (s *Service) SetPublisher(pub Publisher) {
	s.options.Publisher = pub
}

// PushResults queues the output of one inference. This is called by the
// detection service, and it must never block, so when the queue is 90% full
// we drop the result instead.
func (s *Service) PushResults(sourceID uint32, frame *framequeue.Frame, detections []nn.Detection) {
	if len(s.queue) >= cap(s.queue)*9/10 {
		s.dropped.Add(1)
		now := time.Now().UnixNano()
		if now-s.lastDropWarnAt.Load() > int64(15*time.Second) {
			s.lastDropWarnAt.Store(now)
			s.Log.Warnf("Results queue is falling behind - dropping frames")
		}
		return
	}
	select {
	case s.queue <- queueItem{sourceID, frame, detections}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of results that were discarded because the queue was full
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

// Processed returns the number of results that have been fully processed
func (s *Service) Processed() uint64 {
	return s.processed.Load()
}

// QueueLength returns the number of results waiting to be processed
func (s *Service) QueueLength() int {
	return len(s.queue)
}

func (s *Service) Start() {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.mustStop = make(chan bool)
	s.stopped = make(chan bool)
	go s.run(s.mustStop, s.stopped)
}

// Stop the background goroutine. Results that are still queued stay in the queue,
// and are processed after the next Start.
func (s *Service) Stop() {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	if !s.running {
		return
	}
	close(s.mustStop)
	<-s.stopped
	s.running = false
}

func (s *Service) IsRunning() bool {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()
	return s.running
}

func (s *Service) run(mustStop, stopped chan bool) {
	for {
		select {
		case <-mustStop:
			close(stopped)
			return
		case item := <-s.queue:
			s.process(item)
		}
	}
}

func (s *Service) process(item queueItem) {
	detections := s.options.Filter.Apply(item.detections)
	result := &Result{
		SourceID:   item.sourceID,
		Seq:        item.frame.Seq,
		Received:   item.frame.Received,
		Detections: detections,
		Frame:      item.frame,
	}
	pub := s.options.Publisher

	if pub != nil {
		toPublish := detections
		if s.options.PublishLimit > 0 && len(toPublish) > s.options.PublishLimit {
			toPublish = toPublish[:s.options.PublishLimit]
		}
		if len(toPublish) != 0 {
			if err := pub.PublishDetections(item.sourceID, toPublish); err != nil {
				s.logError("Failed to publish detections of source %v: %v", item.sourceID, err)
			}
		}
	}

	s.sendToWatchers(result)

	// Watchers may still be reading Detections, but they must not touch the
	// frame's pixels, so from here on we are the only user of the image.
	if s.options.Annotate && item.frame.Image != nil {
		if err := Annotate(item.frame.Image, detections); err != nil {
			s.logError("Failed to annotate frame of source %v: %v", item.sourceID, err)
		} else if pub != nil {
			if err := pub.PublishImage(item.sourceID, item.frame.Image); err != nil {
				s.logError("Failed to publish image of source %v: %v", item.sourceID, err)
			}
		}
	}
	s.processed.Add(1)
}

func (s *Service) logError(format string, args ...any) {
	if time.Since(s.lastErrAt) > 15*time.Second {
		s.Log.Errorf(format, args...)
		s.lastErrAt = time.Now()
	}
}
