// Package devopsclt provides an Azure DevOps API client.
package devopsclt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/build"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/git"
	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monerr"
)

const loggerName = "devops_client"

const buildListPageSize = 200
const zeroObjectID = "0000000000000000000000000000000000000000"

var ErrDefinitionNotFound = errors.New("build definition not found")
var ErrNoSuccessfulBuild = errors.New("no successful build found")

// Client is an Azure DevOps API client for a single project and repository.
// Methods return a monerr.RetryableError when an operation can be retried,
// e.g. on server errors or when the API ratelimit is exceeded, and a
// monerr.AuthError when the credential was rejected.
type Client struct {
	organizationURL string
	project         string
	repository      string

	buildClt build.Client
	gitClt   git.Client
	logger   *zap.Logger
}

// New returns a new Azure DevOps api client authenticating with a personal
// access token.
func New(ctx context.Context, organizationURL, project, repository, patToken string) (*Client, error) {
	if patToken == "" {
		return nil, monerr.NewAuthError(errors.New("personal access token is empty"))
	}

	conn := azuredevops.NewPatConnection(organizationURL, patToken)

	buildClt, err := build.NewClient(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("creating build api client failed: %w", err)
	}

	gitClt, err := git.NewClient(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("creating git api client failed: %w", err)
	}

	return &Client{
		organizationURL: strings.TrimSuffix(organizationURL, "/"),
		project:         project,
		repository:      repository,
		buildClt:        buildClt,
		gitClt:          gitClt,
		logger:          zap.L().Named(loggerName),
	}, nil
}

// Build returns the current snapshot of the build with the given id.
func (c *Client) Build(ctx context.Context, buildID int) (*BuildRef, error) {
	b, err := c.buildClt.GetBuild(ctx, build.GetBuildArgs{
		Project: &c.project,
		BuildId: &buildID,
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	return c.toBuildRef(b), nil
}

// Ref selects the source to build. Branch and Tag are mutually exclusive,
// Tag takes priority when both are set.
type Ref struct {
	Branch string
	Tag    string
}

func (r Ref) refName() (string, error) {
	if r.Tag != "" {
		if strings.HasPrefix(r.Tag, "refs/tags/") {
			return r.Tag, nil
		}

		return "refs/tags/" + r.Tag, nil
	}

	if r.Branch == "" {
		return "", errors.New("neither branch nor tag is set")
	}

	if strings.HasPrefix(r.Branch, "refs/heads/") {
		return r.Branch, nil
	}

	return "refs/heads/" + r.Branch, nil
}

// TriggerBuild queues a new build of the definition for the given ref.
// The remote API provides no idempotency guarantee, triggering twice queues
// two builds.
func (c *Client) TriggerBuild(ctx context.Context, definitionID int, ref Ref) (*BuildRef, error) {
	refName, err := ref.refName()
	if err != nil {
		return nil, err
	}

	b, err := c.buildClt.QueueBuild(ctx, build.QueueBuildArgs{
		Project: &c.project,
		Build: &build.Build{
			Definition:   &build.DefinitionReference{Id: &definitionID},
			SourceBranch: &refName,
		},
	})
	if err != nil {
		var wrappedErr azuredevops.WrappedError
		if errors.As(err, &wrappedErr) && wrappedErr.StatusCode != nil && *wrappedErr.StatusCode == 404 {
			return nil, fmt.Errorf("definition %d: %w", definitionID, ErrDefinitionNotFound)
		}

		return nil, c.wrapRetryableErrors(err)
	}

	c.logger.Info(
		"build triggered",
		logfields.Event("build_triggered"),
		logfields.BuildDefinition(definitionID),
		logfields.BuildID(derefInt(b.Id)),
		logfields.BuildNumber(derefStr(b.BuildNumber)),
		zap.String("git.ref", refName),
	)

	return c.toBuildRef(b), nil
}

// LastBuildOpts filter the builds LastSuccessfulBuild considers.
type LastBuildOpts struct {
	// RequireFullStack only accepts builds that were queued with the
	// deploymentType parameter set to "Full Stack".
	RequireFullStack bool
	// IncludeInProgress prefers the newest queued or running build over
	// the newest successful one.
	IncludeInProgress bool
}

// LastSuccessfulBuild returns the newest build of the definition that
// finished with a successful result.
// If no matching build exists, ErrNoSuccessfulBuild is returned.
func (c *Client) LastSuccessfulBuild(ctx context.Context, definitionID int, opts LastBuildOpts) (*BuildRef, error) {
	top := buildListPageSize
	resp, err := c.buildClt.GetBuilds(ctx, build.GetBuildsArgs{
		Project:     &c.project,
		Definitions: &[]int{definitionID},
		Top:         &top,
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	var firstSuccessful *BuildRef

	for i := range resp.Value {
		ref := c.toBuildRef(&resp.Value[i])

		if opts.IncludeInProgress &&
			(ref.Status == StatusInProgress || ref.Status == StatusNotStarted) {
			return ref, nil
		}

		if firstSuccessful != nil || ref.Status != StatusCompleted || !ref.SuccessfulResult() {
			continue
		}

		if opts.RequireFullStack && !isFullStackBuild(&resp.Value[i]) {
			continue
		}

		firstSuccessful = ref

		if !opts.IncludeInProgress {
			break
		}
	}

	if firstSuccessful == nil {
		return nil, ErrNoSuccessfulBuild
	}

	return firstSuccessful, nil
}

// isFullStackBuild reports if the build was queued with a deploymentType
// parameter of "Full Stack". The parameters field is a JSON object encoded
// into a string by the API.
func isFullStackBuild(b *build.Build) bool {
	if b.Parameters == nil || *b.Parameters == "" {
		return false
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(*b.Parameters), &params); err != nil {
		return false
	}

	return params["deploymentType"] == "Full Stack"
}

// Commit returns the commit with the given hash.
func (c *Client) Commit(ctx context.Context, sha string) (*Commit, error) {
	commit, err := c.gitClt.GetCommit(ctx, git.GetCommitArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		CommitId:     &sha,
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	result := Commit{
		SHA:     derefStr(commit.CommitId),
		Comment: derefStr(commit.Comment),
	}

	if commit.Author != nil {
		result.Author = derefStr(commit.Author.Name)
	}

	if commit.Committer != nil && commit.Committer.Date != nil {
		result.Date = commit.Committer.Date.Time
	}

	return &result, nil
}

// Commits returns up to top commits of the branch, newest first.
func (c *Client) Commits(ctx context.Context, branch string, top int) ([]*Commit, error) {
	branchName := strings.TrimPrefix(branch, "refs/heads/")

	refs, err := c.gitClt.GetCommits(ctx, git.GetCommitsArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		SearchCriteria: &git.GitQueryCommitsCriteria{
			Top: &top,
			ItemVersion: &git.GitVersionDescriptor{
				Version:     &branchName,
				VersionType: &git.GitVersionTypeValues.Branch,
			},
		},
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	result := make([]*Commit, 0, len(*refs))

	for i := range *refs {
		ref := &(*refs)[i]

		commit := Commit{
			SHA:     derefStr(ref.CommitId),
			Comment: derefStr(ref.Comment),
		}

		if ref.Author != nil {
			commit.Author = derefStr(ref.Author.Name)
		}

		if ref.Committer != nil && ref.Committer.Date != nil {
			commit.Date = ref.Committer.Date.Time
		}

		result = append(result, &commit)
	}

	return result, nil
}

// TagRefs returns all tag refs of the repository.
// The refs/tags/ prefix is stripped from the returned names.
func (c *Client) TagRefs(ctx context.Context) ([]TagRef, error) {
	filter := "tags/"

	resp, err := c.gitClt.GetRefs(ctx, git.GetRefsArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		Filter:       &filter,
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	result := make([]TagRef, 0, len(resp.Value))

	for i := range resp.Value {
		ref := &resp.Value[i]

		result = append(result, TagRef{
			Name:     strings.TrimPrefix(derefStr(ref.Name), "refs/tags/"),
			ObjectID: derefStr(ref.ObjectId),
		})
	}

	return result, nil
}

// ResolveTagCommit returns the commit a tag points to, resolving annotated
// tag objects to their tagged commit.
func (c *Client) ResolveTagCommit(ctx context.Context, tag TagRef) (string, error) {
	annotated, err := c.gitClt.GetAnnotatedTag(ctx, git.GetAnnotatedTagArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		ObjectId:     &tag.ObjectID,
	})
	if err == nil && annotated.TaggedObject != nil && annotated.TaggedObject.ObjectId != nil {
		return *annotated.TaggedObject.ObjectId, nil
	}

	// lightweight tags point at the commit directly
	commit, err := c.Commit(ctx, tag.ObjectID)
	if err != nil {
		return "", fmt.Errorf("tag object %s is neither an annotated tag nor a commit: %w", ShortSHA(tag.ObjectID), err)
	}

	return commit.SHA, nil
}

// CreateAnnotatedTag creates an annotated tag object for the commit and
// returns the id of the created tag object. The tag ref is not created or
// updated, use SetTagRef for that.
func (c *Client) CreateAnnotatedTag(ctx context.Context, name, commitSHA, message string) (string, error) {
	tagger := "Deployment Automation"
	taggerEmail := "deployment@automation"
	now := azuredevops.Time{Time: time.Now().UTC()}

	tagObj, err := c.gitClt.CreateAnnotatedTag(ctx, git.CreateAnnotatedTagArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		TagObject: &git.GitAnnotatedTag{
			Name:    &name,
			Message: &message,
			TaggedObject: &git.GitObject{
				ObjectId: &commitSHA,
			},
			TaggedBy: &git.GitUserDate{
				Name:  &tagger,
				Email: &taggerEmail,
				Date:  &now,
			},
		},
	})
	if err != nil {
		return "", c.wrapRetryableErrors(err)
	}

	if tagObj.ObjectId == nil {
		return "", errors.New("api returned an annotated tag without object id")
	}

	c.logger.Debug(
		"annotated tag object created",
		logfields.Event("annotated_tag_created"),
		logfields.Tag(name),
		logfields.Commit(ShortSHA(commitSHA)),
	)

	return *tagObj.ObjectId, nil
}

// SetTagRef points the tag ref at a git object, creating the ref when
// oldObjectID is empty.
func (c *Client) SetTagRef(ctx context.Context, name, oldObjectID, newObjectID string) error {
	refName := "refs/tags/" + name

	if oldObjectID == "" {
		oldObjectID = zeroObjectID
	}

	results, err := c.gitClt.UpdateRefs(ctx, git.UpdateRefsArgs{
		Project:      &c.project,
		RepositoryId: &c.repository,
		RefUpdates: &[]git.GitRefUpdate{
			{
				Name:        &refName,
				OldObjectId: &oldObjectID,
				NewObjectId: &newObjectID,
			},
		},
	})
	if err != nil {
		return c.wrapRetryableErrors(err)
	}

	for i := range *results {
		result := &(*results)[i]

		if result.Success != nil && !*result.Success {
			return fmt.Errorf("updating ref %s was rejected: %s", refName, derefStr(result.CustomMessage))
		}
	}

	return nil
}

// BuildWebURL returns the url of the build result page.
func (c *Client) BuildWebURL(buildID int) string {
	return fmt.Sprintf("%s/%s/_build/results?buildId=%d&view=results", c.organizationURL, c.project, buildID)
}

func (c *Client) toBuildRef(b *build.Build) *BuildRef {
	result := BuildRef{
		ID:           derefInt(b.Id),
		Number:       derefStr(b.BuildNumber),
		SourceCommit: derefStr(b.SourceVersion),
		WebURL:       c.BuildWebURL(derefInt(b.Id)),
	}

	if b.Status != nil {
		result.Status = BuildStatus(*b.Status)
	}

	if b.Result != nil {
		result.Result = BuildResult(*b.Result)
	}

	if b.StartTime != nil {
		result.StartTime = b.StartTime.Time
	}

	if b.FinishTime != nil {
		result.FinishTime = b.FinishTime.Time
	}

	return &result
}

func (c *Client) wrapRetryableErrors(err error) error {
	var wrappedErr azuredevops.WrappedError

	if !errors.As(err, &wrappedErr) {
		// transport level failure, e.g. connection refused or timeout
		return monerr.NewRetryableAnytimeError(err)
	}

	if wrappedErr.StatusCode == nil {
		return err
	}

	switch code := *wrappedErr.StatusCode; {
	case code == 401 || code == 403:
		return monerr.NewAuthError(err)

	case code == 429:
		c.logger.Info(
			"api rate limit exceeded",
			logfields.Event("devops_api_rate_limit_exceeded"),
		)

		return monerr.NewRetryableAnytimeError(err)

	case code >= 500 && code < 600:
		return monerr.NewRetryableAnytimeError(err)
	}

	return err
}

func derefStr(val *string) string {
	if val == nil {
		return ""
	}

	return *val
}

func derefInt(val *int) int {
	if val == nil {
		return 0
	}

	return *val
}
