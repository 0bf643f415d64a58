// Package server wires the detection daemon together: the model, the inference loop,
// the results stage, the message bus, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/pkg/yolo"
	"github.com/cyclopcam/detectd/server/api"
	"github.com/cyclopcam/detectd/server/bus"
	"github.com/cyclopcam/detectd/server/config"
	"github.com/cyclopcam/detectd/server/detection"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/processing"
	"github.com/cyclopcam/detectd/server/schedule"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// The warm-up frame is pushed to this source
const WarmUpSourceID = 0

// Returned by Start and ListenHTTP once Shutdown has begun
var ErrShuttingDown = errors.New("Server is shutting down")

// Input size of the stub model, when no model file is configured
const stubModelSize = 640

type Server struct {
	Log              logs.Log
	ShutdownComplete chan error // Receives one value when Shutdown() has finished

	config     *config.Config
	model      nn.ObjectDetector
	detection  *detection.Service
	processing *processing.Service
	bus        *bus.Bus // nil if no broker is configured
	api        *api.API
	httpRouter *httprouter.Router
	httpLock   sync.Mutex
	httpServer *http.Server

	signalIn     chan os.Signal
	shutdownOnce sync.Once
	shuttingDown chan bool // Closed when Shutdown() starts
}

// NewServer loads the model and builds every service, but starts nothing.
func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	strategy, err := schedule.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	model, err := LoadModel(logger, cfg)
	if err != nil {
		return nil, err
	}

	proc := processing.NewService(logger, processing.Options{
		QueueSize:    cfg.ResultsQueue,
		Filter:       cfg.Filter(),
		PublishLimit: cfg.PublishLimit,
		Annotate:     cfg.Annotate,
	})
	det := detection.NewService(logger, proc, detection.Options{
		Capacity: cfg.QueueCapacity,
		Strategy: strategy,
	})
	if err := det.UseModel(model); err != nil {
		model.Close()
		return nil, err
	}

	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan error, 1),
		config:           cfg,
		model:            model,
		detection:        det,
		processing:       proc,
		shuttingDown:     make(chan bool),
	}
	if cfg.MQTT.Broker != "" {
		s.bus = bus.New(logger, bus.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Prefix:      cfg.MQTT.Prefix,
			QoS:         cfg.MQTT.QoS,
			JPEGQuality: cfg.MQTT.JPEGQuality,
		}, det)
		proc.SetPublisher(s.bus)
	} else {
		logger.Infof("No MQTT broker configured. Frames are only accepted over HTTP.")
	}
	s.api = api.New(logger, det, proc)
	if s.bus != nil {
		s.api.SetBusCounters(s.bus)
	}
	s.httpRouter = s.api.Router(cfg.FrameRateLimit)
	return s, nil
}

// LoadModel creates the object detector that the config describes.
// Without a model file, we run a stub detector that never finds anything,
// which is useful for testing the plumbing.
func LoadModel(logger logs.Log, cfg *config.Config) (nn.ObjectDetector, error) {
	var classes []string
	if cfg.ClassFile != "" {
		var err error
		if classes, err = nn.LoadClassFile(cfg.ClassFile); err != nil {
			return nil, fmt.Errorf("Error loading class file %v: %w", cfg.ClassFile, err)
		}
	}

	var model nn.ObjectDetector
	if cfg.ModelFile == "" {
		logger.Warnf("No model file configured. Using the stub detector.")
		stub := nn.NewStubDetector(stubModelSize, stubModelSize, cfg.BatchSize, nil)
		if len(classes) != 0 {
			stub.Config().Classes = classes
		}
		model = stub
	} else {
		m, err := yolo.Load(logger, yolo.Config{
			ModelFile:  cfg.ModelFile,
			ConfigFile: cfg.ModelConfig,
			RuntimeLib: cfg.RuntimeLib,
			BatchSize:  cfg.BatchSize,
			UseCUDA:    cfg.UseCUDA,
			Threads:    cfg.Threads,
			Classes:    classes,
		})
		if err != nil {
			return nil, err
		}
		model = m
	}

	if cfg.Tiled {
		if cfg.BatchSize > 1 {
			logger.Warnf("Tiled inference processes one frame at a time. Batch size %v is ignored.", cfg.BatchSize)
		}
		model = nn.NewTiledDetector(model)
	}
	return model, nil
}

// Start the inference loop, warm up the model, connect to the message bus,
// and finally start publishing results.
func (s *Server) Start() error {
	if err := s.detection.Start(); err != nil {
		return err
	}
	if s.config.WarmUpSeconds > 0 {
		s.WarmUp(time.Duration(s.config.WarmUpSeconds * float64(time.Second)))
	}
	// A kill signal during warm-up
	if s.isShuttingDown() {
		return ErrShuttingDown
	}
	if s.bus != nil {
		if err := s.bus.Connect(); err != nil {
			return err
		}
	}
	// Shutdown may have stopped processing while we were connecting. Holding httpLock
	// orders us against shutdown(), which takes it before stopping anything.
	s.httpLock.Lock()
	defer s.httpLock.Unlock()
	if s.isShuttingDown() {
		return ErrShuttingDown
	}
	s.processing.Start()
	return nil
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.shuttingDown:
		return true
	default:
		return false
	}
}

// WarmUp runs a black frame through the model, so that the first real frame
// doesn't pay for the lazy initialization inside the model runtime.
func (s *Server) WarmUp(duration time.Duration) {
	cfg := s.model.Config()
	if !s.detection.RegisterSource(WarmUpSourceID) {
		s.Log.Warnf("Source %v is already registered. Skipping warm-up.", WarmUpSourceID)
		return
	}
	s.Log.Infof("Warming up for %v", duration)
	s.detection.TryPush(WarmUpSourceID, framequeue.NewFrame(cimg.NewImage(cfg.Width, cfg.Height, cimg.PixelFormatRGB)))
	select {
	case <-time.After(duration):
	case <-s.shuttingDown:
	}
	s.detection.UnregisterSource(WarmUpSourceID)
	perf := s.detection.Performance()
	s.Log.Infof("Warm-up done (%.2f ms per frame)", perf.AvgLatencyMS)
}

func (s *Server) Detection() *detection.Service {
	return s.detection
}

func (s *Server) Processing() *processing.Service {
	return s.processing
}

// Router returns the HTTP API routes
func (s *Server) Router() http.Handler {
	return s.httpRouter
}

// ListenHTTP blocks until the HTTP server is closed.
// port example: ":8090"
func (s *Server) ListenHTTP(port string) error {
	s.httpLock.Lock()
	if s.isShuttingDown() {
		s.httpLock.Unlock()
		return ErrShuttingDown
	}
	s.Log.Infof("Listening on %v", port)
	httpServer := &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	s.httpServer = httpServer
	s.httpLock.Unlock()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops everything, and then sends on ShutdownComplete.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	s.httpLock.Lock()
	close(s.shuttingDown)
	httpServer := s.httpServer
	s.httpLock.Unlock()
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	var err error
	if httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = httpServer.Shutdown(ctx)
		cancel()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	s.detection.Stop()
	s.processing.Stop()
	s.model.Close()

	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
}
