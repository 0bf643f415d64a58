package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/detectd/server/schedule"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, 30, c.QueueCapacity)
	require.Equal(t, schedule.NameLoad, c.Strategy)
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)

	filename := filepath.Join(t.TempDir(), "detectd.json")
	require.NoError(t, os.WriteFile(filename, []byte(`{
		"strategy": "order",
		"queueCapacity": 10,
		"classThresholds": {"2": 0.3},
		"excludedClasses": [16],
		"mqtt": {"broker": "tcp://broker:1883"}
	}`), 0644))
	c, err = Load(filename)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Equal(t, "order", c.Strategy)
	require.Equal(t, 10, c.QueueCapacity)
	require.Equal(t, "tcp://broker:1883", c.MQTT.Broker)
	// Fields that are not in the file keep their defaults
	require.Equal(t, "detectd", c.MQTT.Prefix)
	require.Equal(t, float32(0.6), c.Threshold)

	f := c.Filter()
	require.Equal(t, float32(0.3), f.ClassThresholds[2])
	require.Equal(t, []int{16}, f.ExcludedClasses)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filename, []byte(`{"strategy": `), 0644))
	_, err = Load(filename)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Strategy = "fastest"
	c.QueueCapacity = 0
	c.Threshold = 1.5
	c.MQTT.QoS = 3
	c.ClassThresholds = map[int]float32{0: -1}
	err := c.Validate()
	require.ErrorIs(t, err, schedule.ErrUnknownStrategy)
	require.ErrorContains(t, err, "queueCapacity")
	require.ErrorContains(t, err, "threshold must be")
	require.ErrorContains(t, err, "mqtt.qos")
	require.ErrorContains(t, err, "class 0")
}

func TestEnvironment(t *testing.T) {
	t.Setenv(EnvMQTTBroker, "tcp://env:1883")
	t.Setenv(EnvOnnxRuntimeLib, "/opt/onnxruntime/lib/libonnxruntime.so")
	c := Default()
	c.ApplyEnvironment()
	require.Equal(t, "tcp://env:1883", c.MQTT.Broker)
	require.Equal(t, "/opt/onnxruntime/lib/libonnxruntime.so", c.RuntimeLib)
}
