package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/detectd/pkg/nn"
	"github.com/cyclopcam/detectd/server/detection"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/processing"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, frameRateLimit int) (*API, *httprouter.Router) {
	log := logs.NewTestingLog(t)
	proc := processing.NewService(log, processing.Options{})
	det := detection.NewService(log, proc, detection.Options{})
	a := New(log, det, proc)
	return a, a.Router(frameRateLimit)
}

func do(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func testJPEG(t *testing.T) []byte {
	img := cimg.NewImage(32, 32, cimg.PixelFormatRGB)
	jpeg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	require.NoError(t, err)
	return jpeg
}

func TestSourceLifecycle(t *testing.T) {
	a, router := newTestAPI(t, 0)

	require.Equal(t, http.StatusOK, do(router, "POST", "/api/sources/5", nil).Code)
	require.Equal(t, http.StatusOK, do(router, "POST", "/api/sources/2", nil).Code)
	require.Equal(t, http.StatusConflict, do(router, "POST", "/api/sources/5", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(router, "POST", "/api/sources/banana", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(router, "POST", "/api/sources/-1", nil).Code)
	require.True(t, a.detection.Contains(5))

	rec := do(router, "GET", "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := []framequeue.SourceStats{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, []framequeue.SourceStats{{ID: 2}, {ID: 5}}, stats)

	require.Equal(t, http.StatusOK, do(router, "DELETE", "/api/sources/5", nil).Code)
	require.Equal(t, http.StatusNotFound, do(router, "DELETE", "/api/sources/5", nil).Code)
	require.False(t, a.detection.Contains(5))
}

func TestPushFrame(t *testing.T) {
	a, router := newTestAPI(t, 0)
	jpeg := testJPEG(t)

	require.Equal(t, http.StatusNotFound, do(router, "POST", "/api/sources/9/frame", jpeg).Code)

	a.detection.RegisterSource(9)
	require.Equal(t, http.StatusOK, do(router, "POST", "/api/sources/9/frame", jpeg).Code)
	require.Equal(t, http.StatusOK, do(router, "POST", "/api/sources/9/frame", jpeg).Code)
	require.Equal(t, http.StatusBadRequest, do(router, "POST", "/api/sources/9/frame", []byte("not a jpeg")).Code)
	require.Equal(t, http.StatusBadRequest, do(router, "POST", "/api/sources/9/frame", nil).Code)

	// The inference loop isn't running, so the frames are still queued
	require.Equal(t, 2, a.detection.Pending())
	q := a.detection.Sources()
	require.Equal(t, 1, len(q))
	require.Equal(t, 2, q[0].Backlog)
}

func TestFrameRateLimit(t *testing.T) {
	a, router := newTestAPI(t, 2)
	a.detection.RegisterSource(1)
	jpeg := testJPEG(t)

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(router, "POST", "/api/sources/1/frame", jpeg).Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Other routes are not limited
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, do(router, "GET", "/api/performance", nil).Code)
	}
}

func TestPerformance(t *testing.T) {
	a, router := newTestAPI(t, 0)
	a.detection.RegisterSource(1)
	a.detection.RegisterSource(2)
	for i := 0; i < framequeue.DefaultCapacity+3; i++ {
		a.detection.TryPush(1, framequeue.NewFrame(cimg.NewImage(8, 8, cimg.PixelFormatRGB)))
	}

	rec := do(router, "GET", "/api/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	j := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	require.EqualValues(t, 2, j["activeSources"])
	require.EqualValues(t, 0, j["totalProcessed"])
	require.EqualValues(t, framequeue.DefaultCapacity, j["pending"])
	require.EqualValues(t, 3, j["droppedFrames"])
	require.EqualValues(t, 0, j["droppedResults"])
	require.EqualValues(t, 0, j["busFrames"])
}

type fakeBusCounters struct{}

func (fakeBusCounters) Counters() (uint64, uint64) {
	return 42, 3
}

func TestPerformanceBusCounters(t *testing.T) {
	a, _ := newTestAPI(t, 0)
	a.SetBusCounters(fakeBusCounters{})
	router := a.Router(0)

	rec := do(router, "GET", "/api/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	j := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	require.EqualValues(t, 42, j["busFrames"])
	require.EqualValues(t, 3, j["busBadFrames"])
}

func TestResultsWebSocket(t *testing.T) {
	a, router := newTestAPI(t, 0)
	a.processing.Start()
	defer a.processing.Stop()

	server := httptest.NewServer(router)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/results"

	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer all.Close()
	only3, _, err := websocket.DefaultDialer.Dial(wsURL+"?source=3", nil)
	require.NoError(t, err)
	defer only3.Close()

	det := nn.Detection{Class: nn.COCOPerson, Label: "person", Confidence: 0.95, Box: nn.Rect{X: 1, Y: 2, Width: 3, Height: 4}}
	frame := framequeue.NewFrame(cimg.NewImage(8, 8, cimg.PixelFormatRGB))
	a.processing.PushResults(7, frame, []nn.Detection{det})
	a.processing.PushResults(3, frame, []nn.Detection{det})

	read := func(conn *websocket.Conn) processing.Result {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		res := processing.Result{}
		require.NoError(t, conn.ReadJSON(&res))
		return res
	}

	first := read(all)
	second := read(all)
	require.Equal(t, uint32(7), first.SourceID)
	require.Equal(t, uint32(3), second.SourceID)
	require.Equal(t, []nn.Detection{det}, second.Detections)

	res := read(only3)
	require.Equal(t, uint32(3), res.SourceID)
	require.Equal(t, []nn.Detection{det}, res.Detections)
}

func TestResultsWebSocketBadSource(t *testing.T) {
	_, router := newTestAPI(t, 0)
	require.Equal(t, http.StatusBadRequest, do(router, "GET", "/api/ws/results?source=x", nil).Code)
}
