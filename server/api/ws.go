package api

import (
	"net/http"

	"github.com/cyclopcam/detectd/server/processing"
	"github.com/cyclopcam/www"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// httpResultsWebSocket streams processed results as JSON text messages.
// With ?source=<id>, only that source's results are sent.
func (a *API) httpResultsWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if a.processing == nil {
		www.Panic(http.StatusServiceUnavailable, "Results processing is disabled")
	}
	source, hasSource := www.QueryValueEx(r, "source")
	var sourceID uint32
	if hasSource {
		sourceID = parseSourceID(source)
	}

	// Register before upgrading, so that no result is missed once the client sees the handshake
	var results chan *processing.Result
	if hasSource {
		results = a.processing.AddWatcher(sourceID)
		defer a.processing.RemoveWatcher(sourceID, results)
	} else {
		results = a.processing.AddWatcherAllSources()
		defer a.processing.RemoveWatcherAllSources(results)
	}

	conn, err := a.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Log.Errorf("Results websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	a.Log.Infof("Results websocket %v connected (source: %v)", connID, source)

	// We never expect anything from the client, but we must read in order to notice a close
	closed := make(chan bool)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	sent := 0
	for {
		select {
		case <-closed:
			a.Log.Infof("Results websocket %v closed after %v messages", connID, sent)
			return
		case res := <-results:
			if err := conn.WriteJSON(res); err != nil {
				a.Log.Infof("Results websocket %v write failed: %v", connID, err)
				return
			}
			sent++
		}
	}
}
