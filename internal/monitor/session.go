package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/release"
)

// Phase describes the stage a monitored build is in.
type Phase int8

const (
	PhaseWaitingToStart Phase = iota
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingToStart:
		return "waiting-to-start"
	case PhaseRunning:
		return "running"
	default:
		return fmt.Sprintf("undefined (%d)", p)
	}
}

// Outcome is the terminal result of a monitoring session.
type Outcome int8

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("undefined (%d)", o)
	}
}

// SessionParams describes a build to monitor.
type SessionParams struct {
	// Build is the queued or running build whose lifecycle is followed.
	Build *devopsclt.BuildRef
	// BaselineCommit is the commit of the last successful deployment,
	// it is the lower bound when refreshing the pull-request list.
	BaselineCommit string
	// PullRequests is the changeset that was resolved when the
	// deployment was triggered.
	PullRequests []*release.PullRequestRecord
	Pipeline     string
	Branch       string
	// Tag is the release tag whose annotation is updated when the
	// pull-request list grows. It can be nil.
	Tag *release.TagAnnotation
	// MaxWait is the total time budget of the session.
	// If it is 0, DefMaxWait is used.
	MaxWait time.Duration
}

// Session is a running monitoring loop for a single build.
// It is created via Monitor.StartSession, the loop runs in a separate
// goroutine until the build terminates, the time budget is exhausted or
// the session is cancelled.
type Session struct {
	buildID int
	params  SessionParams
	started time.Time

	// mutable loop state, written by the monitoring goroutine,
	// read by the http list handler
	lock          sync.Mutex
	phase         Phase
	phaseStart    time.Time
	prs           []*release.PullRequestRecord
	lastAnnounced devopsclt.BuildStatus
	runningPolls  int

	cancel context.CancelFunc
	done   chan struct{}

	// result fields, only valid after done is closed
	outcome    Outcome
	finalBuild *devopsclt.BuildRef
	err        error

	logger *zap.Logger
}

// Wait blocks until the session terminated or ctx was cancelled.
// If err is nil, the session ran to completion and outcome describes
// its terminal state. A non-nil error means the session was aborted,
// outcome is undefined in that case.
func (s *Session) Wait(ctx context.Context) (Outcome, *devopsclt.BuildRef, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()

	case <-s.done:
		if s.err != nil {
			return 0, s.finalBuild, s.err
		}

		return s.outcome, s.finalBuild, nil
	}
}

// Cancel aborts the session.
func (s *Session) Cancel() {
	s.cancel()
}

func (s *Session) setPhase(phase Phase) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.phase = phase
	s.phaseStart = time.Now()
	s.runningPolls = 0
}

func (s *Session) currentPhase() (Phase, time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.phase, s.phaseStart
}

func (s *Session) setPullRequests(prs []*release.PullRequestRecord) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.prs = prs
}

func (s *Session) pullRequests() []*release.PullRequestRecord {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.prs
}
