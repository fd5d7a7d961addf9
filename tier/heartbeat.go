package tier

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// heartbeat periodically logs the jobs still in flight, for operator
// visibility during multi-hour tool runs. It never affects control flow.
type heartbeat struct {
	stage string
	tier  int

	mu       sync.Mutex
	inflight map[string]time.Time
	done     chan struct{}
}

func newHeartbeat(stage string, tier int, interval time.Duration) *heartbeat {
	hb := &heartbeat{
		stage:    stage,
		tier:     tier,
		inflight: map[string]time.Time{},
		done:     make(chan struct{}),
	}
	go hb.loop(interval)
	return hb
}

func (hb *heartbeat) add(jobID string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.inflight[jobID] = time.Now()
}

func (hb *heartbeat) remove(jobID string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.inflight, jobID)
}

func (hb *heartbeat) stop() { close(hb.done) }

func (hb *heartbeat) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-hb.done:
			return
		case <-ticker.C:
			hb.mu.Lock()
			type running struct {
				id  string
				age time.Duration
			}
			var rs []running
			for id, started := range hb.inflight {
				rs = append(rs, running{id, time.Since(started).Round(time.Second)})
			}
			hb.mu.Unlock()
			if len(rs) == 0 {
				continue
			}
			sort.Slice(rs, func(i, j int) bool { return rs[i].id < rs[j].id })
			fields := log.Fields{"stage": hb.stage, "tier": hb.tier}
			for _, r := range rs {
				fields[r.id] = r.age.String()
			}
			log.WithFields(fields).Info("Still running")
		}
	}
}
