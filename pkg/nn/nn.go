package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// Package nn is a Neural Network interface layer.
// To load a concrete model, use the yolo package.

const DefaultProbabilityThreshold = 0.5
const DefaultScoreThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// Detection is an object that a neural network has found in an image
type Detection struct {
	Class      int     `json:"id"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Color      Color   `json:"color"`
	Box        Rect    `json:"box"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%v %.2f (%v,%v %vx%v)", d.Label, d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
}

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	ScoreThreshold       float32 // Minimum class score for models that emit a separate objectness value (eg yolov5)
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the image boundaries
}

// Replace zero values with defaults
func (p *DetectionParams) WithDefaults() DetectionParams {
	c := *p
	if c.ProbabilityThreshold == 0 {
		c.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = DefaultScoreThreshold
	}
	if c.NmsIouThreshold == 0 {
		c.NmsIouThreshold = DefaultNmsIouThreshold
	}
	return c
}

// ObjectDetector is given an image, and returns zero or more detected objects.
// Implementations are not required to be thread safe. The detection service
// guarantees that only one call is in flight at a time.
type ObjectDetector interface {
	// Close releases the underlying runtime resources
	Close()

	// Detect returns a list of objects detected in the image.
	// Box coordinates are in the space of img.
	Detect(img *cimg.Image) ([]Detection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// BatchDetector is an ObjectDetector that can also process several images in one call.
type BatchDetector interface {
	ObjectDetector

	// Maximum number of images per DetectBatch call
	BatchSize() int

	// DetectBatch returns one list of detections per input image, in the same order.
	DetectBatch(imgs []*cimg.Image) ([][]Detection, error)
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Load model config from a JSON file.
// If the file has no class list, the COCO classes are assumed.
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Invalid model config %v: %w", filename, err)
	}
	if len(config.Classes) == 0 {
		config.Classes = COCOClasses
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Model config %v has invalid size %vx%v", filename, config.Width, config.Height)
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
