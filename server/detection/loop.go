package detection

import (
	"fmt"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/server/framequeue"
)

// The inference loop. This is the only goroutine that calls into the model.
func (s *Service) run(model nn.ObjectDetector) {
	batchSize := 1
	batcher, _ := model.(nn.BatchDetector)
	if batcher != nil && batcher.BatchSize() > 1 {
		batchSize = batcher.BatchSize()
		s.Log.Infof("Using batches of %v frames", batchSize)
	} else {
		batcher = nil
	}

	s.lastErrAt = time.Time{}
	cursor := framequeue.Cursor{}
	var batch []framequeue.Popped
	for !s.mustStop.Load() {
		// The table lock is only held inside PopBatch, so producers can
		// register and unregister sources while we're busy with the model.
		batch = s.table.PopBatch(s.strategy, &cursor, batchSize, batch[:0])
		if len(batch) == 0 {
			s.waitForFrames()
			continue
		}
		if batcher != nil {
			s.processBatch(batcher, batch)
		} else {
			s.processFrame(model, batch[0])
		}
		// Don't hold onto the frames while we're parked
		clear(batch)
	}
	close(s.loopStopped)
}

func (s *Service) processFrame(model nn.ObjectDetector, item framequeue.Popped) {
	s.timer.Start()
	detections, err := detectSafe(model, item.Frame.Image)
	if err != nil {
		s.timer.Stop(0)
		s.failed.Add(1)
		s.logError("Error detecting objects in frame %v of source %v: %v", item.Frame.Seq, item.SourceID, err)
		return
	}
	s.timer.Stop(1)
	s.pushResults(item, detections)
}

func (s *Service) processBatch(model nn.BatchDetector, batch []framequeue.Popped) {
	images := make([]*cimg.Image, len(batch))
	for i := range batch {
		images[i] = batch[i].Frame.Image
	}
	s.timer.Start()
	results, err := detectBatchSafe(model, images)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("Model returned %v results for a batch of %v frames", len(results), len(batch))
	}
	if err != nil {
		s.timer.Stop(0)
		s.failed.Add(uint64(len(batch)))
		s.logError("Error detecting objects in batch of %v frames: %v", len(batch), err)
		return
	}
	s.timer.Stop(len(batch))
	for i := range batch {
		s.pushResults(batch[i], results[i])
	}
}

func (s *Service) pushResults(item framequeue.Popped, detections []nn.Detection) {
	if s.sink != nil {
		s.sink.PushResults(item.SourceID, item.Frame, detections)
	}
}

// A model that fails repeatedly would otherwise flood the log with one message per frame
func (s *Service) logError(format string, args ...any) {
	if time.Since(s.lastErrAt) > 15*time.Second {
		s.Log.Errorf(format, args...)
		s.lastErrAt = time.Now()
	}
}

func detectSafe(model nn.ObjectDetector, img *cimg.Image) (detections []nn.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Model panicked: %v", r)
		}
	}()
	return model.Detect(img)
}

func detectBatchSafe(model nn.BatchDetector, images []*cimg.Image) (results [][]nn.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Model panicked: %v", r)
		}
	}()
	return model.DetectBatch(images)
}
