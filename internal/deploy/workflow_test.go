package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aegisdx/deploymon/internal/cfg"
	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/monitor"
	"github.com/aegisdx/deploymon/internal/release"
)

func initTestLogger(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
}

type fakeBuildClient struct {
	lastBuild     *devopsclt.BuildRef
	lastBuildErr  error
	lastBuildOpts devopsclt.LastBuildOpts

	// activeBuild is returned instead of lastBuild when the query
	// includes queued and running builds.
	activeBuild *devopsclt.BuildRef

	triggered    *devopsclt.BuildRef
	triggerErr   error
	triggeredRef devopsclt.Ref
	triggerCalls int
}

func (f *fakeBuildClient) LastSuccessfulBuild(_ context.Context, _ int, opts devopsclt.LastBuildOpts) (*devopsclt.BuildRef, error) {
	f.lastBuildOpts = opts

	if opts.IncludeInProgress && f.activeBuild != nil {
		return f.activeBuild, nil
	}

	return f.lastBuild, f.lastBuildErr
}

func (f *fakeBuildClient) TriggerBuild(_ context.Context, _ int, ref devopsclt.Ref) (*devopsclt.BuildRef, error) {
	f.triggerCalls++
	f.triggeredRef = ref

	return f.triggered, f.triggerErr
}

type fakeChangeSets struct {
	prs    []*release.PullRequestRecord
	prsErr error

	onBranch     bool
	fallbackSHA  string
	usedBaseline string
}

func (f *fakeChangeSets) PullRequestsAfter(_ context.Context, baselineCommit, _ string) ([]*release.PullRequestRecord, error) {
	f.usedBaseline = baselineCommit
	return f.prs, f.prsErr
}

func (f *fakeChangeSets) VerifyCommitOnBranch(context.Context, string, string) (bool, error) {
	return f.onBranch, nil
}

func (f *fakeChangeSets) FindCommitByDate(context.Context, time.Time, string) (string, error) {
	return f.fallbackSHA, nil
}

type fakeTagger struct {
	tag   *release.TagAnnotation
	err   error
	calls int
}

func (f *fakeTagger) CreateReleaseTag(context.Context, []*release.PullRequestRecord, string) (*release.TagAnnotation, error) {
	f.calls++
	return f.tag, f.err
}

type fakeSessionStarter struct {
	params  monitor.SessionParams
	session *monitor.Session
	err     error
	calls   int
}

func (f *fakeSessionStarter) StartSession(_ context.Context, params monitor.SessionParams) (*monitor.Session, error) {
	f.calls++
	f.params = params

	return f.session, f.err
}

func devPipeline() *cfg.Pipeline {
	return &cfg.Pipeline{
		Name:             "dev-deploy",
		DefinitionID:     17,
		Branch:           "main",
		RequireFullStack: true,
		MaxWaitMinutes:   120,
	}
}

func stagePipeline() *cfg.Pipeline {
	return &cfg.Pipeline{
		Name:           "stage-deploy",
		DefinitionID:   23,
		Branch:         "main",
		TriggerByTag:   true,
		MaxWaitMinutes: 90,
	}
}

func testChangeset() []*release.PullRequestRecord {
	return []*release.PullRequestRecord{
		{Number: 41, TicketID: "PROJ-41", Description: "first", Author: "alice"},
		{Number: 42, Description: "second", Author: "bob"},
	}
}

func TestRunTriggersBranchBuild(t *testing.T) {
	initTestLogger(t)

	builds := fakeBuildClient{
		lastBuild: &devopsclt.BuildRef{ID: 100, SourceCommit: "base1"},
		triggered: &devopsclt.BuildRef{ID: 101, Number: "20260830.3", Status: devopsclt.StatusNotStarted},
	}
	changes := fakeChangeSets{prs: testChangeset(), onBranch: true}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	require.NoError(t, err)

	assert.True(t, builds.lastBuildOpts.RequireFullStack)
	assert.Equal(t, "base1", changes.usedBaseline)
	assert.Equal(t, devopsclt.Ref{Branch: "main"}, builds.triggeredRef)
	assert.Zero(t, tagger.calls, "branch-triggered pipelines must not create tags")

	require.Equal(t, 1, starter.calls)
	assert.Equal(t, 101, starter.params.Build.ID)
	assert.Equal(t, "base1", starter.params.BaselineCommit)
	assert.Equal(t, "dev-deploy", starter.params.Pipeline)
	assert.Nil(t, starter.params.Tag)
	assert.Equal(t, 2*time.Hour, starter.params.MaxWait)
	assert.Len(t, starter.params.PullRequests, 2)
}

func TestRunTriggersTagBuild(t *testing.T) {
	initTestLogger(t)

	builds := fakeBuildClient{
		lastBuild: &devopsclt.BuildRef{ID: 200, SourceCommit: "base1"},
		triggered: &devopsclt.BuildRef{ID: 201, Status: devopsclt.StatusNotStarted},
	}
	changes := fakeChangeSets{prs: testChangeset(), onBranch: true}
	tagger := fakeTagger{tag: &release.TagAnnotation{Name: "v1.5.0", CommitHash: "head1"}}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), stagePipeline())
	require.NoError(t, err)

	assert.Equal(t, 1, tagger.calls)
	assert.Equal(t, devopsclt.Ref{Tag: "v1.5.0"}, builds.triggeredRef)

	require.Equal(t, 1, starter.calls)
	require.NotNil(t, starter.params.Tag)
	assert.Equal(t, "v1.5.0", starter.params.Tag.Name)
	assert.Equal(t, 90*time.Minute, starter.params.MaxWait)
}

func TestRunStopsWhenBranchIsUpToDate(t *testing.T) {
	initTestLogger(t)

	builds := fakeBuildClient{
		lastBuild: &devopsclt.BuildRef{ID: 100, SourceCommit: "base1"},
	}
	changes := fakeChangeSets{onBranch: true}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	assert.ErrorIs(t, err, ErrUpToDate)

	assert.Zero(t, builds.triggerCalls, "no build must be triggered when the branch is up to date")
	assert.Zero(t, starter.calls)
}

func TestRunRefusesDoubleTrigger(t *testing.T) {
	initTestLogger(t)

	builds := fakeBuildClient{
		lastBuild:   &devopsclt.BuildRef{ID: 100, SourceCommit: "base1"},
		activeBuild: &devopsclt.BuildRef{ID: 102, Number: "20260830.4", Status: devopsclt.StatusInProgress},
	}
	changes := fakeChangeSets{prs: testChangeset(), onBranch: true}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	assert.ErrorIs(t, err, ErrDeploymentRunning)

	assert.Zero(t, builds.triggerCalls, "no build must be triggered while another one is active")
	assert.Zero(t, tagger.calls)
	assert.Zero(t, starter.calls)
}

func TestRunFallsBackToDateBaseline(t *testing.T) {
	initTestLogger(t)

	finishTime := time.Now().Add(-time.Hour)

	builds := fakeBuildClient{
		lastBuild: &devopsclt.BuildRef{ID: 100, SourceCommit: "rewritten", FinishTime: finishTime},
		triggered: &devopsclt.BuildRef{ID: 101, Status: devopsclt.StatusNotStarted},
	}
	changes := fakeChangeSets{prs: testChangeset(), onBranch: false, fallbackSHA: "fallback1"}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	require.NoError(t, err)

	assert.Equal(t, "fallback1", changes.usedBaseline)
	assert.Equal(t, "fallback1", starter.params.BaselineCommit)
}

func TestRunAbortsWhenChangesetQueryFails(t *testing.T) {
	initTestLogger(t)

	queryErr := errors.New("api unavailable")

	builds := fakeBuildClient{
		lastBuild: &devopsclt.BuildRef{ID: 100, SourceCommit: "base1"},
	}
	changes := fakeChangeSets{prsErr: queryErr, onBranch: true}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	assert.ErrorIs(t, err, queryErr)
	assert.Zero(t, builds.triggerCalls)
}

func TestRunAbortsWithoutSuccessfulBuild(t *testing.T) {
	initTestLogger(t)

	builds := fakeBuildClient{lastBuildErr: devopsclt.ErrNoSuccessfulBuild}
	changes := fakeChangeSets{}
	tagger := fakeTagger{}
	starter := fakeSessionStarter{}

	workflow := NewWorkflow(&builds, &changes, &tagger, &starter)

	_, err := workflow.Run(context.Background(), devPipeline())
	assert.ErrorIs(t, err, devopsclt.ErrNoSuccessfulBuild)
}
