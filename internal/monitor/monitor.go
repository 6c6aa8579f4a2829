// Package monitor follows the lifecycle of triggered deployment builds.
//
// A monitoring session polls the build status of a single build until
// it terminates or a time budget is exhausted. Phase transitions are
// announced via a Notifier, the pull-request changeset of the
// deployment is refreshed periodically while the build runs and the
// release tag annotation is updated when new pull-requests appear.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monerr"
	"github.com/aegisdx/deploymon/internal/notify"
	"github.com/aegisdx/deploymon/internal/release"
)

const loggerName = "monitor"

const (
	// DefMaxWait is the default total time budget of a session.
	DefMaxWait = 2 * time.Hour
	// defPollErrRetryInterval is the delay before a failed status
	// poll is retried.
	defPollErrRetryInterval = 30 * time.Second
	// defPRRefreshEvery controls after how many polls in the Running
	// phase the pull-request list is refreshed.
	defPRRefreshEvery = 3
)

// BuildStatusClient fetches the current state of a build.
type BuildStatusClient interface {
	Build(ctx context.Context, buildID int) (*devopsclt.BuildRef, error)
}

// ChangeSetResolver lists the pull-requests that were merged after a
// baseline commit.
type ChangeSetResolver interface {
	PullRequestsAfter(ctx context.Context, baselineCommit, branch string) ([]*release.PullRequestRecord, error)
}

// TagUpdater rewrites the annotation of an existing release tag.
type TagUpdater interface {
	UpdateTagDescription(ctx context.Context, tag *release.TagAnnotation, prs []*release.PullRequestRecord) error
}

// Notifier delivers deployment status notifications.
// Send errors are treated as non-fatal by the Monitor, they are logged
// and the session continues.
type Notifier interface {
	Send(ctx context.Context, notification *notify.Notification) error
}

// Monitor runs monitoring sessions for deployment builds.
// Each session runs in its own goroutine, sessions are keyed by build
// ID, at most one session per build can run at a time.
type Monitor struct {
	buildClt BuildStatusClient
	resolver ChangeSetResolver
	tags     TagUpdater
	notifier Notifier

	schedule       schedule
	retryer        *retryer
	prRefreshEvery int

	logger *zap.Logger

	lock     sync.Mutex
	sessions map[int]*Session

	wg sync.WaitGroup
}

type opt func(*Monitor)

// WithSchedule overrides the default poll intervals.
func WithSchedule(waiting, runningCoarse, runningFine, fineThreshold time.Duration) opt {
	return func(m *Monitor) {
		m.schedule = schedule{
			waitingInterval:       waiting,
			runningCoarseInterval: runningCoarse,
			runningFineInterval:   runningFine,
			fineThreshold:         fineThreshold,
		}
	}
}

// WithPollErrRetryInterval overrides the delay before failed status
// polls are retried.
func WithPollErrRetryInterval(interval time.Duration) opt {
	return func(m *Monitor) {
		m.retryer = newRetryer(interval, m.logger)
	}
}

// WithPRRefreshEvery overrides after how many polls in the Running
// phase the pull-request list is refreshed.
func WithPRRefreshEvery(polls int) opt {
	return func(m *Monitor) {
		m.prRefreshEvery = polls
	}
}

func New(buildClt BuildStatusClient, resolver ChangeSetResolver, tags TagUpdater, notifier Notifier, opts ...opt) *Monitor {
	logger := zap.L().Named(loggerName)

	m := Monitor{
		buildClt:       buildClt,
		resolver:       resolver,
		tags:           tags,
		notifier:       notifier,
		schedule:       defaultSchedule(),
		retryer:        newRetryer(defPollErrRetryInterval, logger),
		prRefreshEvery: defPRRefreshEvery,
		logger:         logger,
		sessions:       map[int]*Session{},
	}

	for _, opt := range opts {
		opt(&m)
	}

	return &m
}

// StartSession registers a new monitoring session for params.Build and
// starts its polling loop in a goroutine.
// If a session for the same build ID already exists, ErrSessionExists
// is returned.
func (m *Monitor) StartSession(ctx context.Context, params SessionParams) (*Session, error) {
	if params.Build == nil {
		return nil, errors.New("params.Build is nil")
	}

	if params.MaxWait <= 0 {
		params.MaxWait = DefMaxWait
	}

	sessCtx, cancel := context.WithCancel(ctx)

	session := Session{
		buildID: params.Build.ID,
		params:  params,
		started: time.Now(),
		phase:   PhaseWaitingToStart,
		prs:     params.PullRequests,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger: m.logger.With(
			logfields.Pipeline(params.Pipeline),
			logfields.BuildID(params.Build.ID),
			logfields.BuildNumber(params.Build.Number),
		),
	}
	session.phaseStart = session.started

	m.lock.Lock()
	if _, exist := m.sessions[session.buildID]; exist {
		m.lock.Unlock()
		cancel()

		return nil, fmt.Errorf("build %d: %w", session.buildID, ErrSessionExists)
	}

	m.sessions[session.buildID] = &session
	m.lock.Unlock()

	metrics.RunningSessionsInc()
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer cancel()

		session.outcome, session.finalBuild, session.err = m.run(sessCtx, &session)
		close(session.done)

		m.lock.Lock()
		delete(m.sessions, session.buildID)
		m.lock.Unlock()

		metrics.RunningSessionsDec()

		if session.err == nil {
			metrics.OutcomesInc(params.Pipeline, session.outcome)
		}
	}()

	return &session, nil
}

// RunSession starts a session and waits for its result.
func (m *Monitor) RunSession(ctx context.Context, params SessionParams) (Outcome, *devopsclt.BuildRef, error) {
	session, err := m.StartSession(ctx, params)
	if err != nil {
		return 0, nil, err
	}

	return session.Wait(ctx)
}

// SessionCount returns the number of currently running sessions.
func (m *Monitor) SessionCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.sessions)
}

// Stop cancels all running sessions and waits until their goroutines
// terminated.
func (m *Monitor) Stop() {
	m.lock.Lock()
	for _, session := range m.sessions {
		session.cancel()
	}
	m.lock.Unlock()

	m.wg.Wait()
}

// Wait blocks until all running sessions terminated on their own.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, session *Session) (Outcome, *devopsclt.BuildRef, error) {
	deadline := session.started.Add(session.params.MaxWait)

	session.logger.Info(
		"monitoring session started",
		logfields.Event("monitoring_session_started"),
		zap.Duration("max_wait", session.params.MaxWait),
		zap.Int("pull_request_count", len(session.pullRequests())),
	)

	build := session.params.Build

	for {
		if time.Now().After(deadline) {
			session.logger.Info(
				"time budget exhausted, abandoning monitoring session",
				logfields.Event("monitoring_session_abandoned"),
				zap.Duration("elapsed", time.Since(session.started)),
			)

			m.notify(ctx, session, build, notify.KindAbandoned)

			return OutcomeTimedOut, build, nil
		}

		polled, err := m.poll(ctx, session, deadline)
		if err != nil {
			var authErr *monerr.AuthError
			if errors.As(err, &authErr) {
				session.logger.Error(
					"aborting monitoring session, authentication failed",
					logfields.Event("monitoring_session_aborted"),
					zap.Error(err),
				)

				return 0, build, err
			}

			if ctx.Err() != nil {
				return 0, build, ctx.Err()
			}

			session.logger.Info(
				"polling build status failed, retry scheduled",
				logfields.Event("poll_failed"),
				zap.Error(err),
				zap.Duration("retry_in", m.retryer.interval),
			)

			if !sleep(ctx, m.retryer.interval) {
				return 0, build, ctx.Err()
			}

			continue
		}

		build = polled

		if build.Status == devopsclt.StatusCompleted {
			return m.finish(ctx, session, build)
		}

		if err := m.handleTransition(ctx, session, build); err != nil {
			session.logger.Error(
				"aborting monitoring session, authentication failed",
				logfields.Event("monitoring_session_aborted"),
				zap.Error(err),
			)

			return 0, build, err
		}

		phase, phaseStart := session.currentPhase()
		if !sleep(ctx, m.schedule.pollInterval(phase, time.Since(phaseStart))) {
			return 0, build, ctx.Err()
		}
	}
}

// handleTransition announces phase changes for a non-terminal build
// status and refreshes the pull-request list periodically while the
// build runs.
// A non-nil error means the refresh failed with a rejected credential,
// the session must abort.
func (m *Monitor) handleTransition(ctx context.Context, session *Session, build *devopsclt.BuildRef) error {
	phase, _ := session.currentPhase()

	if phase == PhaseWaitingToStart {
		if build.Status != devopsclt.StatusInProgress {
			return nil
		}

		session.setPhase(PhaseRunning)

		session.logger.Info(
			"deployment started",
			logfields.Event("deployment_started"),
		)

		m.notify(ctx, session, build, notify.KindTriggered)
		session.lastAnnounced = build.Status
	} else if build.Status != session.lastAnnounced {
		m.notify(ctx, session, build, notify.KindInProgress)
		session.lastAnnounced = build.Status
	}

	session.lock.Lock()
	session.runningPolls++
	refresh := session.runningPolls%m.prRefreshEvery == 0
	session.lock.Unlock()

	if refresh {
		return m.refreshPullRequests(ctx, session, build)
	}

	return nil
}

// refreshPullRequests re-resolves the changeset of the deployment.
// The stored list is only replaced when the new one is bigger, a
// shrinking result mid-deployment indicates an inconsistent listing
// and is ignored. Transient failures are logged and skipped, the
// refresh repeats on a later poll. A rejected credential is returned
// to the caller, it will not recover on retry.
func (m *Monitor) refreshPullRequests(ctx context.Context, session *Session, build *devopsclt.BuildRef) error {
	prs, err := m.resolver.PullRequestsAfter(ctx, session.params.BaselineCommit, session.params.Branch)
	if err != nil {
		var authErr *monerr.AuthError
		if errors.As(err, &authErr) {
			return err
		}

		session.logger.Warn(
			"refreshing pull-request list failed",
			logfields.Event("pr_refresh_failed"),
			zap.Error(err),
		)

		return nil
	}

	if prs == nil || len(prs) <= len(session.pullRequests()) {
		return nil
	}

	session.logger.Info(
		"pull-request list grew mid-deployment",
		logfields.Event("pr_list_grew"),
		zap.Int("pull_request_count", len(prs)),
	)

	session.setPullRequests(prs)
	m.updateTag(ctx, session, prs)
	m.notify(ctx, session, build, notify.KindInProgress)

	return nil
}

// finish classifies a completed build, refreshes the pull-request list
// one last time after a success and sends the terminal notification.
func (m *Monitor) finish(ctx context.Context, session *Session, build *devopsclt.BuildRef) (Outcome, *devopsclt.BuildRef, error) {
	if !build.SuccessfulResult() {
		session.logger.Info(
			"deployment failed",
			logfields.Event("deployment_failed"),
			zap.String("result", string(build.Result)),
		)

		m.notify(ctx, session, build, notify.KindFailed)

		return OutcomeFailed, build, nil
	}

	prs, err := m.resolver.PullRequestsAfter(ctx, session.params.BaselineCommit, session.params.Branch)
	if err != nil {
		session.logger.Warn(
			"final pull-request refresh failed, keeping current list",
			logfields.Event("pr_refresh_failed"),
			zap.Error(err),
		)
	} else if prs != nil && len(prs) != len(session.pullRequests()) {
		session.setPullRequests(prs)
		m.updateTag(ctx, session, prs)
	}

	session.logger.Info(
		"deployment succeeded",
		logfields.Event("deployment_succeeded"),
		zap.Duration("elapsed", time.Since(session.started)),
	)

	m.notify(ctx, session, build, notify.KindSucceeded)

	return OutcomeSucceeded, build, nil
}

func (m *Monitor) poll(ctx context.Context, session *Session, deadline time.Time) (*devopsclt.BuildRef, error) {
	var build *devopsclt.BuildRef

	err := m.retryer.run(
		ctx,
		deadline,
		func(ctx context.Context) error {
			b, err := m.buildClt.Build(ctx, session.buildID)
			if err != nil {
				metrics.StatusPollsInc(session.params.Pipeline, false)
				return err
			}

			metrics.StatusPollsInc(session.params.Pipeline, true)
			build = b

			return nil
		},
		[]zapcore.Field{
			logfields.Pipeline(session.params.Pipeline),
			logfields.BuildID(session.buildID),
			logfields.Event("polling_build_status"),
		},
	)

	return build, err
}

// updateTag rewrites the release-tag annotation to include prs.
// Failures are logged, the session continues.
func (m *Monitor) updateTag(ctx context.Context, session *Session, prs []*release.PullRequestRecord) {
	if session.params.Tag == nil {
		return
	}

	err := m.tags.UpdateTagDescription(ctx, session.params.Tag, prs)
	if err != nil {
		session.logger.Warn(
			"updating release tag annotation failed",
			logfields.Event("tag_update_failed"),
			logfields.Tag(session.params.Tag.Name),
			zap.Error(err),
		)

		return
	}

	session.logger.Info(
		"release tag annotation updated",
		logfields.Event("tag_updated"),
		logfields.Tag(session.params.Tag.Name),
	)
}

// notify sends a status notification. Delivery errors are logged and
// swallowed, a deployment is never interrupted because a chat message
// could not be posted.
func (m *Monitor) notify(ctx context.Context, session *Session, build *devopsclt.BuildRef, kind notify.StatusKind) {
	notification := notify.Notification{
		Kind:         kind,
		Pipeline:     session.params.Pipeline,
		Build:        build,
		PullRequests: session.pullRequests(),
		Elapsed:      time.Since(session.started),
	}

	if session.params.Tag != nil {
		notification.Tag = session.params.Tag.Name
	}

	err := m.notifier.Send(ctx, &notification)
	if err != nil {
		session.logger.Warn(
			"sending notification failed",
			logfields.Event("notification_failed"),
			zap.String("notification_kind", kind.String()),
			zap.Error(err),
		)

		metrics.NotificationsInc(session.params.Pipeline, kind.String(), false)

		return
	}

	metrics.NotificationsInc(session.params.Pipeline, kind.String(), true)
}

// sleep waits for duration or until ctx is cancelled.
// It returns false when the wait was interrupted by the context.
func sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false

	case <-timer.C:
		return true
	}
}
