package bus

import (
	"encoding/json"
	"errors"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
)

// PublishDetections publishes one JSON message per detection, eg
// {"id":0,"label":"person","confidence":0.91,"color":[56,180,220],"box":{"x":10,"y":20,"width":50,"height":120}}
func (b *Bus) PublishDetections(sourceID uint32, detections []nn.Detection) error {
	topic := b.DetectionResultsTopic(sourceID)
	var errs []error
	for i := range detections {
		payload, err := json.Marshal(&detections[i])
		if err != nil {
			return err
		}
		if err := b.publish(topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishImage publishes the (annotated) frame as a JPEG
func (b *Bus) PublishImage(sourceID uint32, img *cimg.Image) error {
	jpeg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, b.config.JPEGQuality, 0))
	if err != nil {
		return err
	}
	return b.publish(b.ProcessedImageTopic(sourceID), jpeg)
}
