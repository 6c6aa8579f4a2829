package monitor

import "time"

// schedule defines the delays between status polls.
// Polling is cheap while a build is queued, so the waiting interval is
// short. A running deployment takes long, polls are spaced out coarsely
// at first and refined once the run approaches typical completion time.
type schedule struct {
	waitingInterval       time.Duration
	runningCoarseInterval time.Duration
	runningFineInterval   time.Duration
	fineThreshold         time.Duration
}

func defaultSchedule() schedule {
	return schedule{
		waitingInterval:       30 * time.Second,
		runningCoarseInterval: 10 * time.Minute,
		runningFineInterval:   2 * time.Minute,
		fineThreshold:         30 * time.Minute,
	}
}

// pollInterval returns the delay until the next poll.
// runningFor is the time spent in the Running phase so far, it is
// ignored while the build has not started yet.
func (s schedule) pollInterval(phase Phase, runningFor time.Duration) time.Duration {
	if phase == PhaseWaitingToStart {
		return s.waitingInterval
	}

	if runningFor < s.fineThreshold {
		return s.runningCoarseInterval
	}

	return s.runningFineInterval
}
