package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/detectd/server"
	"github.com/cyclopcam/detectd/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("detectd", "Object detection service for many video sources")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "ONNX model file (omit to run the stub detector)", Default: ""})
	modelConfig := parser.String("", "modelconfig", &argparse.Options{Help: "Model description JSON (defaults to the model file with a .json extension)", Default: ""})
	classFile := parser.String("", "classes", &argparse.Options{Help: "Text file with one class name per line", Default: ""})
	strategy := parser.String("s", "strategy", &argparse.Options{Help: "Scheduling strategy: 'load' or 'order'", Default: ""})
	capacity := parser.Int("", "capacity", &argparse.Options{Help: "Frames per source that may wait for inference", Default: 0})
	batch := parser.Int("b", "batch", &argparse.Options{Help: "Frames per inference", Default: 0})
	tiled := parser.Flag("", "tiled", &argparse.Options{Help: "Split frames that are larger than the model input into tiles", Default: false})
	mqttBroker := parser.String("", "mqtt", &argparse.Options{Help: "MQTT broker, eg tcp://localhost:1883", Default: ""})
	httpListen := parser.String("", "http", &argparse.Options{Help: "HTTP listen address, eg :8090", Default: ""})
	ortLib := parser.String("", "ortlib", &argparse.Options{Help: "Path to libonnxruntime.so", Default: ""})
	useCUDA := parser.Flag("", "cuda", &argparse.Options{Help: "Run the model on CUDA", Default: false})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Minimum confidence of a reported detection", Default: 0.0})
	exclude := parser.IntList("x", "exclude", &argparse.Options{Help: "Class id that is never reported (may be repeated)"})
	boxLimit := parser.Int("", "boxlimit", &argparse.Options{Help: "Maximum number of detections per frame", Default: -1})
	warmUp := parser.Float("", "warmup", &argparse.Options{Help: "Seconds of warm-up at startup", Default: -1.0})
	noAnnotate := parser.Flag("", "noannotate", &argparse.Options{Help: "Don't draw or publish annotated frames", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	cfg.ApplyEnvironment()

	// Command line flags override the config file and the environment
	if *modelFile != "" {
		cfg.ModelFile = *modelFile
	}
	if *modelConfig != "" {
		cfg.ModelConfig = *modelConfig
	}
	if *classFile != "" {
		cfg.ClassFile = *classFile
	}
	if *strategy != "" {
		cfg.Strategy = *strategy
	}
	if *capacity != 0 {
		cfg.QueueCapacity = *capacity
	}
	if *batch != 0 {
		cfg.BatchSize = *batch
	}
	if *tiled {
		cfg.Tiled = true
	}
	if *mqttBroker != "" {
		cfg.MQTT.Broker = *mqttBroker
	}
	if *httpListen != "" {
		cfg.HTTPListen = *httpListen
	}
	if *ortLib != "" {
		cfg.RuntimeLib = *ortLib
	}
	if *useCUDA {
		cfg.UseCUDA = true
	}
	if *threshold != 0 {
		cfg.Threshold = float32(*threshold)
	}
	if len(*exclude) != 0 {
		cfg.ExcludedClasses = append(cfg.ExcludedClasses, *exclude...)
	}
	if *boxLimit >= 0 {
		cfg.BoxLimit = *boxLimit
	}
	if *warmUp >= 0 {
		cfg.WarmUpSeconds = *warmUp
	}
	if *noAnnotate {
		cfg.Annotate = false
	}

	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration:\n%v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if err := srv.Start(); err != nil {
		if errors.Is(err, server.ErrShuttingDown) {
			// Killed before we were ready
			<-srv.ShutdownComplete
			logger.Close()
			return
		}
		logger.Errorf("%v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		os.Exit(1)
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if cfg.HTTPListen != "" {
		if err := srv.ListenHTTP(cfg.HTTPListen); err != nil {
			logger.Errorf("ListenHTTP returned: %v", err)
			srv.Shutdown()
		}
	}

	<-srv.ShutdownComplete
	logger.Close()
}
