// Package deploy implements the release workflow for a configured
// pipeline: it determines the baseline of the last successful
// deployment, resolves the pull-requests merged since then, triggers
// the deployment build and hands the build over to the monitor.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/cfg"
	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monitor"
	"github.com/aegisdx/deploymon/internal/release"
)

const loggerName = "deploy"

// ErrUpToDate is returned when the tracked branch contains no
// pull-requests that were merged after the last successful deployment.
var ErrUpToDate = errors.New("branch contains no undeployed pull-requests")

// ErrDeploymentRunning is returned when a deployment build of the
// pipeline is already queued or running.
var ErrDeploymentRunning = errors.New("a deployment build is already queued or running")

// BuildClient provides access to the build provider.
type BuildClient interface {
	LastSuccessfulBuild(ctx context.Context, definitionID int, opts devopsclt.LastBuildOpts) (*devopsclt.BuildRef, error)
	TriggerBuild(ctx context.Context, definitionID int, ref devopsclt.Ref) (*devopsclt.BuildRef, error)
}

// ChangeSets resolves pull-request changesets and baseline commits.
type ChangeSets interface {
	PullRequestsAfter(ctx context.Context, baselineCommit, branch string) ([]*release.PullRequestRecord, error)
	VerifyCommitOnBranch(ctx context.Context, sha, branch string) (bool, error)
	FindCommitByDate(ctx context.Context, target time.Time, branch string) (string, error)
}

// Tagger creates release tags.
type Tagger interface {
	CreateReleaseTag(ctx context.Context, prs []*release.PullRequestRecord, branch string) (*release.TagAnnotation, error)
}

// SessionStarter registers monitoring sessions for triggered builds.
type SessionStarter interface {
	StartSession(ctx context.Context, params monitor.SessionParams) (*monitor.Session, error)
}

type Workflow struct {
	builds  BuildClient
	changes ChangeSets
	tags    Tagger
	monitor SessionStarter
	logger  *zap.Logger
}

func NewWorkflow(builds BuildClient, changes ChangeSets, tags Tagger, monitor SessionStarter) *Workflow {
	return &Workflow{
		builds:  builds,
		changes: changes,
		tags:    tags,
		monitor: monitor,
		logger:  zap.L().Named(loggerName),
	}
}

// Run triggers a deployment for the pipeline and registers a
// monitoring session for the new build.
// If nothing was merged since the last successful deployment,
// ErrUpToDate is returned and no build is triggered.
// If a build of the pipeline is already queued or running,
// ErrDeploymentRunning is returned and no build is triggered.
func (w *Workflow) Run(ctx context.Context, pipeline *cfg.Pipeline) (*monitor.Session, error) {
	logger := w.logger.With(logfields.Pipeline(pipeline.Name))

	if err := w.ensureNoActiveBuild(ctx, logger, pipeline); err != nil {
		return nil, err
	}

	baseline, err := w.baselineCommit(ctx, logger, pipeline)
	if err != nil {
		return nil, err
	}

	prs, err := w.changes.PullRequestsAfter(ctx, baseline, pipeline.Branch)
	if err != nil {
		return nil, fmt.Errorf("resolving pull-requests after %s failed: %w", devopsclt.ShortSHA(baseline), err)
	}

	if len(prs) == 0 {
		logger.Info(
			"branch is up to date, nothing to deploy",
			logfields.Event("branch_up_to_date"),
			logfields.Commit(baseline),
		)

		return nil, ErrUpToDate
	}

	logger.Info(
		"resolved undeployed pull-requests",
		logfields.Event("changeset_resolved"),
		logfields.Commit(baseline),
		zap.Int("pull_request_count", len(prs)),
	)

	var tag *release.TagAnnotation

	ref := devopsclt.Ref{Branch: pipeline.Branch}
	if pipeline.TriggerByTag {
		tag, err = w.tags.CreateReleaseTag(ctx, prs, pipeline.Branch)
		if err != nil {
			return nil, fmt.Errorf("creating release tag failed: %w", err)
		}

		logger.Info(
			"release tag created",
			logfields.Event("release_tag_created"),
			logfields.Tag(tag.Name),
		)

		ref = devopsclt.Ref{Tag: tag.Name}
	}

	build, err := w.builds.TriggerBuild(ctx, pipeline.DefinitionID, ref)
	if err != nil {
		return nil, fmt.Errorf("triggering build for definition %d failed: %w", pipeline.DefinitionID, err)
	}

	logger.Info(
		"deployment build triggered",
		logfields.Event("build_triggered"),
		logfields.BuildID(build.ID),
		logfields.BuildNumber(build.Number),
	)

	return w.monitor.StartSession(ctx, monitor.SessionParams{
		Build:          build,
		BaselineCommit: baseline,
		PullRequests:   prs,
		Pipeline:       pipeline.Name,
		Branch:         pipeline.Branch,
		Tag:            tag,
		MaxWait:        time.Duration(pipeline.MaxWaitMinutes) * time.Minute,
	})
}

// ensureNoActiveBuild returns ErrDeploymentRunning when a build of the
// pipeline's definition is already queued or running.
// The remote API provides no trigger idempotency, the check keeps
// deployments of the same pipeline from piling up.
func (w *Workflow) ensureNoActiveBuild(ctx context.Context, logger *zap.Logger, pipeline *cfg.Pipeline) error {
	newest, err := w.builds.LastSuccessfulBuild(ctx, pipeline.DefinitionID, devopsclt.LastBuildOpts{
		IncludeInProgress: true,
	})
	if err != nil {
		if errors.Is(err, devopsclt.ErrNoSuccessfulBuild) {
			return nil
		}

		return fmt.Errorf("checking for an active deployment build failed: %w", err)
	}

	if newest.Status != devopsclt.StatusInProgress && newest.Status != devopsclt.StatusNotStarted {
		return nil
	}

	logger.Info(
		"deployment build already active, not triggering another one",
		logfields.Event("deployment_already_running"),
		logfields.BuildID(newest.ID),
		logfields.BuildNumber(newest.Number),
	)

	return fmt.Errorf("build %d: %w", newest.ID, ErrDeploymentRunning)
}

// baselineCommit returns the source commit of the last successful
// deployment build.
// When the commit is not reachable on the tracked branch, for example
// because history was rewritten, the branch commit closest to the
// build finish time is used instead.
func (w *Workflow) baselineCommit(ctx context.Context, logger *zap.Logger, pipeline *cfg.Pipeline) (string, error) {
	last, err := w.builds.LastSuccessfulBuild(ctx, pipeline.DefinitionID, devopsclt.LastBuildOpts{
		RequireFullStack: pipeline.RequireFullStack,
	})
	if err != nil {
		return "", fmt.Errorf("determining last successful build failed: %w", err)
	}

	onBranch, err := w.changes.VerifyCommitOnBranch(ctx, last.SourceCommit, pipeline.Branch)
	if err != nil {
		return "", err
	}

	if onBranch {
		return last.SourceCommit, nil
	}

	target := last.FinishTime
	if target.IsZero() {
		target = last.StartTime
	}

	logger.Info(
		"baseline commit not found on branch, falling back to date-closest commit",
		logfields.Event("baseline_fallback"),
		logfields.Commit(last.SourceCommit),
		logfields.Branch(pipeline.Branch),
		zap.Time("target_date", target),
	)

	sha, err := w.changes.FindCommitByDate(ctx, target, pipeline.Branch)
	if err != nil {
		return "", fmt.Errorf("finding baseline commit by date failed: %w", err)
	}

	return sha, nil
}
