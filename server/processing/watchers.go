package processing

import "github.com/cyclopcam/detectd/pkg/gen"

const WatcherChannelSize = 100

// AddWatcher registers to receive results for a specific source
func (s *Service) AddWatcher(sourceID uint32) chan *Result {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan *Result, WatcherChannelSize)
	s.watchers[sourceID] = append(s.watchers[sourceID], ch)
	return ch
}

// RemoveWatcher unregisters a channel returned by AddWatcher
func (s *Service) RemoveWatcher(sourceID uint32, ch chan *Result) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for i, w := range s.watchers[sourceID] {
		if w == ch {
			s.watchers[sourceID] = gen.DeleteFromSliceUnordered(s.watchers[sourceID], i)
			if len(s.watchers[sourceID]) == 0 {
				delete(s.watchers, sourceID)
			}
			return
		}
	}
	s.Log.Warnf("RemoveWatcher failed to find channel for source %v", sourceID)
}

// AddWatcherAllSources registers to receive results from every source
func (s *Service) AddWatcherAllSources() chan *Result {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan *Result, WatcherChannelSize)
	s.watchersAllSources = append(s.watchersAllSources, ch)
	return ch
}

// RemoveWatcherAllSources unregisters a channel returned by AddWatcherAllSources
func (s *Service) RemoveWatcherAllSources(ch chan *Result) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for i, w := range s.watchersAllSources {
		if w == ch {
			s.watchersAllSources = gen.DeleteFromSliceUnordered(s.watchersAllSources, i)
			return
		}
	}
	s.Log.Warnf("RemoveWatcherAllSources failed to find channel")
}

// A slow watcher must not stall the results stage, so if a watcher's channel
// is nearly full, it misses this result.
func (s *Service) sendToWatchers(result *Result) {
	s.watchersLock.RLock()
	defer s.watchersLock.RUnlock()
	for _, ch := range s.watchers[result.SourceID] {
		s.sendToWatcher(ch, result)
	}
	for _, ch := range s.watchersAllSources {
		s.sendToWatcher(ch, result)
	}
}

func (s *Service) sendToWatcher(ch chan *Result, result *Result) {
	if len(ch) >= cap(ch)*9/10 {
		s.Log.Warnf("Watcher of source %v is falling behind - dropping results", result.SourceID)
		return
	}
	ch <- result
}
