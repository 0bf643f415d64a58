// Package api exposes the detection engine over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/detectd/server/detection"
	"github.com/cyclopcam/detectd/server/framequeue"
	"github.com/cyclopcam/detectd/server/processing"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Maximum size of an uploaded frame
const MaxFrameBytes = 16 * 1024 * 1024

// BusCounters reports on the frames that arrive over the message bus
type BusCounters interface {
	Counters() (received, decodeErrors uint64)
}

type API struct {
	Log        logs.Log
	detection  *detection.Service
	processing *processing.Service
	bus        BusCounters // nil when frames only arrive over HTTP
	wsUpgrader websocket.Upgrader
}

// SYNC-PERFORMANCE-JSON
type performanceJSON struct {
	detection.Performance
	Pending        int    `json:"pending"`        // Frames waiting in all source queues
	DroppedFrames  uint64 `json:"droppedFrames"`  // Frames evicted from full source queues
	FailedFrames   uint64 `json:"failedFrames"`   // Frames that the model failed on
	DroppedResults uint64 `json:"droppedResults"` // Results discarded because the results stage fell behind
	BusFrames      uint64 `json:"busFrames"`      // Frames received over the message bus
	BusBadFrames   uint64 `json:"busBadFrames"`   // Frames from the message bus that could not be decoded
}

// New creates the HTTP API. proc may be nil, in which case the results websocket is unavailable.
func New(logger logs.Log, det *detection.Service, proc *processing.Service) *API {
	return &API{
		Log:        logs.NewPrefixLogger(logger, "API:"),
		detection:  det,
		processing: proc,
	}
}

// SetBusCounters adds the message bus counters to /api/performance.
// It must be called before the router serves requests.
func (a *API) SetBusCounters(bus BusCounters) {
	a.bus = bus
}

// Router builds the HTTP routes. Frame uploads are limited to frameRateLimit requests
// per second, per client IP. Zero disables the limit.
func (a *API) Router(frameRateLimit int) *httprouter.Router {
	router := httprouter.New()

	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		if requestLimit <= 0 {
			www.Handle(a.Log, router, method, route, handle)
			return
		}
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(a.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	www.Handle(a.Log, router, "GET", "/api/performance", a.httpPerformance)
	www.Handle(a.Log, router, "GET", "/api/sources", a.httpSources)
	www.Handle(a.Log, router, "POST", "/api/sources/:id", a.httpRegister)
	www.Handle(a.Log, router, "DELETE", "/api/sources/:id", a.httpUnregister)
	ratelimited("POST", "/api/sources/:id/frame", a.httpPushFrame, frameRateLimit, time.Second)
	www.Handle(a.Log, router, "GET", "/api/ws/results", a.httpResultsWebSocket)

	return router
}

func parseSourceID(s string) uint32 {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		www.PanicBadRequestf("Invalid source id '%v'", s)
	}
	return uint32(id)
}

func (a *API) httpPerformance(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	j := performanceJSON{
		Performance:   a.detection.Performance(),
		Pending:       a.detection.Pending(),
		DroppedFrames: a.detection.TotalDroppedFrames(),
		FailedFrames:  a.detection.FailedFrames(),
	}
	if a.processing != nil {
		j.DroppedResults = a.processing.Dropped()
	}
	if a.bus != nil {
		j.BusFrames, j.BusBadFrames = a.bus.Counters()
	}
	www.SendJSON(w, &j)
}

func (a *API) httpSources(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, a.detection.Sources())
}

func (a *API) httpRegister(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := parseSourceID(params.ByName("id"))
	if !a.detection.RegisterSource(id) {
		www.Panic(http.StatusConflict, "Source is already registered")
	}
	a.Log.Infof("Registered source %v", id)
	www.SendOK(w)
}

func (a *API) httpUnregister(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := parseSourceID(params.ByName("id"))
	if !a.detection.UnregisterSource(id) {
		www.PanicNotFound()
	}
	a.Log.Infof("Unregistered source %v", id)
	www.SendOK(w)
}

// The body is a JPEG image
func (a *API) httpPushFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := parseSourceID(params.ByName("id"))
	if !a.detection.Contains(id) {
		www.PanicNotFound()
	}
	body := www.ReadLimited(w, r, MaxFrameBytes)
	frame, err := framequeue.DecodeFrame(body)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	if !a.detection.TryPush(id, frame) {
		// Unregistered between the check above and the push
		www.PanicNotFound()
	}
	www.SendOK(w)
}
