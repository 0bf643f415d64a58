// Package yolo runs YOLO object detection models (v5, v8, 11) through onnxruntime.
//
// The onnxruntime shared library is loaded at runtime, so the binary builds
// without it, and only Load() fails if the library is missing.
package yolo

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"
)

type Architecture string

const (
	ArchYOLOv5 Architecture = "yolov5"
	ArchYOLOv8 Architecture = "yolov8"
)

var ErrUnknownArchitecture = errors.New("Unknown model architecture")

// ParseArchitecture maps a model config's architecture string onto a decoder.
// yolo11 shares its output layout with yolov8.
func ParseArchitecture(s string) (Architecture, error) {
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "yolov5"):
		return ArchYOLOv5, nil
	case strings.HasPrefix(s, "yolov8"), strings.HasPrefix(s, "yolo11"):
		return ArchYOLOv8, nil
	}
	return "", fmt.Errorf("%w '%v'", ErrUnknownArchitecture, s)
}

// Config for loading a model
type Config struct {
	ModelFile   string             // eg /var/lib/detectd/models/yolov8m_640_640.onnx
	ConfigFile  string             // nn.ModelConfig JSON. If empty, ModelFile with a .json extension.
	RuntimeLib  string             // Path to libonnxruntime.so. If empty, the library's default search is used.
	BatchSize   int                // Number of images per inference (1 if zero)
	UseCUDA     bool               // Run on the CUDA execution provider
	Threads     int                // Intra-op threads for CPU inference (0 = onnxruntime default)
	NoLetterBox bool               // Stretch instead of padding non-square images to a square NN input
	Classes     []string           // If not empty, replaces the class names of the model config. The count must match the model.
	Params      nn.DetectionParams // Zero values are replaced by defaults
	PaletteSeed uint64             // Seed for class colors
}

// Detector is an nn.BatchDetector backed by an onnxruntime session
type Detector struct {
	config    nn.ModelConfig
	decoder   decoder
	batchSize int
	nAnchors  int
	letterBox bool
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	hasEnv    bool
}

var envLock sync.Mutex
var envUsers int

func acquireEnvironment(runtimeLib string) error {
	envLock.Lock()
	defer envLock.Unlock()
	if envUsers == 0 {
		if runtimeLib != "" {
			ort.SetSharedLibraryPath(runtimeLib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("Failed to initialize onnxruntime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() {
	envLock.Lock()
	defer envLock.Unlock()
	envUsers--
	if envUsers == 0 {
		ort.DestroyEnvironment()
	}
}

// Load a model from disk
func Load(log logs.Log, cfg Config) (*Detector, error) {
	configFile := cfg.ConfigFile
	if configFile == "" {
		configFile = strings.TrimSuffix(cfg.ModelFile, filepath.Ext(cfg.ModelFile)) + ".json"
	}
	modelConfig, err := nn.LoadModelConfig(configFile)
	if err != nil {
		return nil, err
	}
	if len(cfg.Classes) != 0 {
		modelConfig.Classes = cfg.Classes
	}
	arch, err := ParseArchitecture(modelConfig.Architecture)
	if err != nil {
		return nil, err
	}
	batchSize := max(cfg.BatchSize, 1)

	if err := acquireEnvironment(cfg.RuntimeLib); err != nil {
		return nil, err
	}

	d := &Detector{
		hasEnv:    true,
		config:    *modelConfig,
		batchSize: batchSize,
		nAnchors:  numAnchors(arch, modelConfig.Width, modelConfig.Height),
		letterBox: !cfg.NoLetterBox,
		decoder: decoder{
			arch:    arch,
			classes: modelConfig.Classes,
			palette: nn.MakePalette(len(modelConfig.Classes), cfg.PaletteSeed),
			params:  cfg.Params.WithDefaults(),
		},
	}
	if err := d.createSession(cfg); err != nil {
		d.Close()
		return nil, err
	}
	log.Infof("Loaded %v (%v, %vx%v, batch %v, %v classes)", filepath.Base(cfg.ModelFile), arch, modelConfig.Width, modelConfig.Height, batchSize, len(modelConfig.Classes))
	return d, nil
}

func (d *Detector) createSession(cfg Config) error {
	var err error
	inputShape := ort.NewShape(int64(d.batchSize), 3, int64(d.config.Height), int64(d.config.Width))
	d.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("Error creating input tensor: %w", err)
	}

	nClasses := int64(len(d.config.Classes))
	var outputShape ort.Shape
	if d.decoder.arch == ArchYOLOv5 {
		outputShape = ort.NewShape(int64(d.batchSize), int64(d.nAnchors), 5+nClasses)
	} else {
		outputShape = ort.NewShape(int64(d.batchSize), 4+nClasses, int64(d.nAnchors))
	}
	d.output, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return fmt.Errorf("Error creating output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("Error creating session options: %w", err)
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			return err
		}
	}
	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("Error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fmt.Errorf("CUDA is not available: %w", err)
		}
	}

	d.session, err = ort.NewAdvancedSession(cfg.ModelFile,
		[]string{"images"}, []string{"output0"},
		[]ort.Value{d.input}, []ort.Value{d.output},
		options)
	if err != nil {
		return fmt.Errorf("Error creating onnxruntime session for %v: %w", cfg.ModelFile, err)
	}
	return nil
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	if d.hasEnv {
		releaseEnvironment()
		d.hasEnv = false
	}
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) BatchSize() int {
	return d.batchSize
}

func (d *Detector) Detect(img *cimg.Image) ([]nn.Detection, error) {
	all, err := d.DetectBatch([]*cimg.Image{img})
	if err != nil {
		return nil, err
	}
	return all[0], nil
}

func (d *Detector) DetectBatch(imgs []*cimg.Image) ([][]nn.Detection, error) {
	if d.session == nil {
		return nil, errors.New("Detector is closed")
	}
	if len(imgs) == 0 || len(imgs) > d.batchSize {
		return nil, fmt.Errorf("Batch of %v images, but model batch size is %v", len(imgs), d.batchSize)
	}

	w, h := d.config.Width, d.config.Height
	inputData := d.input.GetData()
	imageSize := 3 * w * h
	transforms := make([]inputTransform, len(imgs))
	for i, img := range imgs {
		xf, err := prepareInput(img, w, h, d.letterBox, inputData[i*imageSize:(i+1)*imageSize])
		if err != nil {
			return nil, err
		}
		transforms[i] = xf
	}
	// Unused batch slots must not leak the previous call's images
	clear(inputData[len(imgs)*imageSize:])

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("onnxruntime inference failed: %w", err)
	}

	outputData := d.output.GetData()
	perImage := outputSize(d.decoder.arch, d.nAnchors, len(d.config.Classes))
	results := make([][]nn.Detection, len(imgs))
	for i := range imgs {
		results[i] = d.decoder.decode(outputData[i*perImage:(i+1)*perImage], d.nAnchors, transforms[i])
	}
	return results, nil
}
