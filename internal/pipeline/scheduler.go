package pipeline

import "time"

// scheduler decides, frame by frame, whether the detector should run.
// It is owned by the processing goroutine and is not safe for concurrent use.
type scheduler struct {
	tier       Tier
	counter    int
	lastMotion time.Time
	lastRun    time.Time
}

// newScheduler starts in IdleScan with the motion clock at now, so a fresh
// pipeline spends its first ActiveTimeout in the Active tier
func newScheduler(now time.Time) *scheduler {
	return &scheduler{
		tier:       IdleScan,
		lastMotion: now,
	}
}

// observe records one frame at now and reports whether the detector should run
func (s *scheduler) observe(now time.Time, motion bool, cfg Settings) bool {
	if motion {
		s.lastMotion = now
	}

	active := !cfg.IdleScanEnabled || now.Sub(s.lastMotion) < cfg.ActiveTimeout
	if active {
		if s.tier != Active {
			s.tier = Active
			s.counter = 0
		}
		s.counter++
		if s.counter >= cfg.ActiveNthFrame {
			s.counter = 0
			s.lastRun = now
			return true
		}
		return false
	}

	s.tier = IdleScan
	if now.Sub(s.lastRun) >= cfg.IdleScanInterval {
		s.lastRun = now
		return true
	}
	return false
}
