package shipper

import (
	"sync"
	"time"
)

// The live registry is the single sanctioned piece of process-wide state:
// a best-effort teardown hook covering shippers that were never stopped
// explicitly. Instances register on construction and leave on Stop; no
// shipper state is ever looked up through it.
var (
	liveMu sync.Mutex
	live   = make(map[*Shipper]struct{})
)

func register(s *Shipper) {
	liveMu.Lock()
	live[s] = struct{}{}
	liveMu.Unlock()
}

func unregister(s *Shipper) {
	liveMu.Lock()
	delete(live, s)
	liveMu.Unlock()
}

// StopAll stops every shipper that has not been stopped yet, giving each
// up to timeout for its final flush. Intended to be deferred in main or
// called from a process shutdown hook.
func StopAll(timeout time.Duration) {
	liveMu.Lock()
	shippers := make([]*Shipper, 0, len(live))
	for s := range live {
		shippers = append(shippers, s)
	}
	liveMu.Unlock()

	for _, s := range shippers {
		s.Stop(timeout)
	}
}
