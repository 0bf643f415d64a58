// Package config is the daemon's configuration file
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/processing"
	"github.com/cyclopcam/detectd/server/schedule"
)

// Environment variables that override the config file
const (
	EnvMQTTBroker     = "DETECTD_MQTT_BROKER"
	EnvOnnxRuntimeLib = "DETECTD_ONNXRUNTIME_LIB"
)

type MQTT struct {
	Broker      string `json:"broker"`      // eg tcp://localhost:1883. Empty to disable the message bus.
	ClientID    string `json:"clientID"`    // Leave blank for a random client id
	Prefix      string `json:"prefix"`      // Prefix of all topics
	QoS         byte   `json:"qos"`         // 0, 1 or 2
	JPEGQuality int    `json:"jpegQuality"` // Quality of published images (1..100)
}

type Config struct {
	ModelFile       string          `json:"modelFile"`       // eg /var/lib/detectd/yolov8m.onnx. Empty to run the stub model.
	ModelConfig     string          `json:"modelConfig"`     // Model description (architecture, size, classes). Defaults to ModelFile with a .json extension.
	ClassFile       string          `json:"classFile"`       // Optional text file with one class name per line, overriding the model description
	RuntimeLib      string          `json:"runtimeLib"`      // Path to libonnxruntime.so
	UseCUDA         bool            `json:"useCUDA"`         // Run the model on the CUDA execution provider
	Threads         int             `json:"threads"`         // Intra-op threads for CPU inference (0 = onnxruntime default)
	BatchSize       int             `json:"batchSize"`       // Number of frames per inference
	Tiled           bool            `json:"tiled"`           // Split frames that are larger than the model input into tiles
	Strategy        string          `json:"strategy"`        // "load" or "order"
	QueueCapacity   int             `json:"queueCapacity"`   // Frames per source that may wait for inference
	ResultsQueue    int             `json:"resultsQueue"`    // Results that may wait for publishing
	Threshold       float32         `json:"threshold"`       // Minimum confidence of a reported detection
	ClassThresholds map[int]float32 `json:"classThresholds"` // Minimum confidence per class id
	ExcludedClasses []int           `json:"excludedClasses"` // Class ids that are never reported
	BoxLimit        int             `json:"boxLimit"`        // Maximum number of detections per frame (0 = unlimited)
	PublishLimit    int             `json:"publishLimit"`    // Maximum number of detections published per frame
	Annotate        bool            `json:"annotate"`        // Draw the detections and publish the annotated frame
	MQTT            MQTT            `json:"mqtt"`            // Message bus
	HTTPListen      string          `json:"httpListen"`      // eg :8090. Empty to disable the HTTP API.
	FrameRateLimit  int             `json:"frameRateLimit"`  // Frame uploads per second, per client IP (0 = unlimited)
	WarmUpSeconds   float64         `json:"warmUpSeconds"`   // Duration of the warm-up source at startup (0 = no warm-up)
}

func Default() *Config {
	return &Config{
		BatchSize:     1,
		Strategy:      schedule.NameLoad,
		QueueCapacity: framequeue.DefaultCapacity,
		ResultsQueue:  processing.DefaultQueueSize,
		Threshold:     processing.DefaultThreshold,
		PublishLimit:  processing.DefaultPublishLimit,
		Annotate:      true,
		MQTT: MQTT{
			Prefix:      "detectd",
			JPEGQuality: 85,
		},
		HTTPListen:     ":8090",
		FrameRateLimit: 100,
		WarmUpSeconds:  5,
	}
}

// Load reads a JSON config file on top of the defaults.
// If filename is empty, the defaults are returned.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

// ApplyEnvironment overrides settings from environment variables
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv(EnvOnnxRuntimeLib); v != "" {
		c.RuntimeLib = v
	}
}

// Validate returns an error that lists every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if _, err := schedule.New(c.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queueCapacity must be at least 1 (%v)", c.QueueCapacity))
	}
	if c.ResultsQueue < 1 {
		errs = append(errs, fmt.Errorf("resultsQueue must be at least 1 (%v)", c.ResultsQueue))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batchSize must be at least 1 (%v)", c.BatchSize))
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads may not be negative (%v)", c.Threads))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be between 0 and 1 (%v)", c.Threshold))
	}
	for class, th := range c.ClassThresholds {
		if th < 0 || th > 1 {
			errs = append(errs, fmt.Errorf("threshold of class %v must be between 0 and 1 (%v)", class, th))
		}
	}
	if c.BoxLimit < 0 {
		errs = append(errs, fmt.Errorf("boxLimit may not be negative (%v)", c.BoxLimit))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (%v)", c.MQTT.QoS))
	}
	if c.MQTT.JPEGQuality < 1 || c.MQTT.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("mqtt.jpegQuality must be between 1 and 100 (%v)", c.MQTT.JPEGQuality))
	}
	if c.FrameRateLimit < 0 {
		errs = append(errs, fmt.Errorf("frameRateLimit may not be negative (%v)", c.FrameRateLimit))
	}
	if c.WarmUpSeconds < 0 {
		errs = append(errs, fmt.Errorf("warmUpSeconds may not be negative (%v)", c.WarmUpSeconds))
	}
	if c.ModelFile == "" && c.ModelConfig != "" {
		errs = append(errs, errors.New("modelConfig is set, but modelFile is empty"))
	}
	return errors.Join(errs...)
}

// Filter returns the detection filter that the config describes
func (c *Config) Filter() processing.Filter {
	return processing.Filter{
		Threshold:       c.Threshold,
		ClassThresholds: c.ClassThresholds,
		ExcludedClasses: c.ExcludedClasses,
		Limit:           c.BoxLimit,
	}
}
