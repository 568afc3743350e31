package chat

import "TeamChat/logger"

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout is a fixed worker pool pushing one payload to many local
// connections without blocking the caller.
type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					if !c.Enqueue(job.payload) {
						logger.Warnf("[fanout] drop payload conn=%s user=%s", c.ConnID, c.UserID())
					}
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	select {
	case f.jobs <- fanoutJob{conns: conns, payload: payload}:
	default:
		// Queue full: deliver inline rather than drop the whole batch.
		for _, c := range conns {
			_ = c.Enqueue(payload)
		}
	}
}
