package release

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/logfields"
)

// TagAnnotation is the state of the release tag, created once per release
// and updated when additional pull requests are detected mid-flight.
type TagAnnotation struct {
	Name        string
	CommitHash  string
	Description string
}

type TagClient interface {
	TagRefs(ctx context.Context) ([]devopsclt.TagRef, error)
	CreateAnnotatedTag(ctx context.Context, name, commitSHA, message string) (string, error)
	SetTagRef(ctx context.Context, name, oldObjectID, newObjectID string) error
}

// TagManager maintains the annotated release tags of the repository.
type TagManager struct {
	clt    TagClient
	git    GitClient
	logger *zap.Logger
}

func NewTagManager(clt TagClient, git GitClient) *TagManager {
	return &TagManager{
		clt:    clt,
		git:    git,
		logger: zap.L().Named(loggerName).Named("tags"),
	}
}

// LatestTag returns the name of the highest release tag by version order.
// An empty string is returned when the repository has no parseable version
// tags.
func (m *TagManager) LatestTag(ctx context.Context) (string, error) {
	refs, err := m.clt.TagRefs(ctx)
	if err != nil {
		return "", fmt.Errorf("listing tags failed: %w", err)
	}

	var latestName string
	var latest *semver.Version

	for _, ref := range refs {
		version, err := semver.NewVersion(strings.TrimPrefix(ref.Name, "v"))
		if err != nil {
			continue
		}

		if latest == nil || version.GreaterThan(latest) {
			latest = version
			latestName = ref.Name
		}
	}

	return latestName, nil
}

// NextVersion returns the tag name following latest, always in vX.Y.Z form
// with the patch version incremented. An empty or unparseable latest yields
// v1.0.0.
func NextVersion(latest string) string {
	if latest == "" {
		return "v1.0.0"
	}

	version, err := semver.NewVersion(strings.TrimPrefix(strings.TrimPrefix(latest, "v"), "V"))
	if err != nil {
		return "v1.0.0"
	}

	next := version.IncPatch()

	return fmt.Sprintf("v%d.%d.%d", next.Major(), next.Minor(), next.Patch())
}

// CreateReleaseTag creates the next annotated release tag on the newest
// commit of branch, describing the given pull requests.
func (m *TagManager) CreateReleaseTag(ctx context.Context, prs []*PullRequestRecord, branch string) (*TagAnnotation, error) {
	latest, err := m.LatestTag(ctx)
	if err != nil {
		return nil, err
	}

	name := NextVersion(latest)

	commits, err := m.git.Commits(ctx, branch, 1)
	if err != nil {
		return nil, fmt.Errorf("resolving newest commit of branch %s failed: %w", branch, err)
	}

	if len(commits) == 0 {
		return nil, fmt.Errorf("branch %s has no commits", branch)
	}

	commit := commits[0].SHA

	description := Summary(prs)

	objectID, err := m.clt.CreateAnnotatedTag(ctx, name, commit, description)
	if err != nil {
		return nil, fmt.Errorf("creating annotated tag %s failed: %w", name, err)
	}

	if err := m.clt.SetTagRef(ctx, name, "", objectID); err != nil {
		return nil, fmt.Errorf("creating tag ref %s failed: %w", name, err)
	}

	m.logger.Info(
		"release tag created",
		logfields.Event("release_tag_created"),
		logfields.Tag(name),
		logfields.Commit(devopsclt.ShortSHA(commit)),
		zap.String("previous_tag", latest),
		zap.Int("pull_request_count", len(prs)),
	)

	return &TagAnnotation{
		Name:        name,
		CommitHash:  commit,
		Description: description,
	}, nil
}

// UpdateTagDescription replaces the description of an existing release tag
// by creating a new annotated tag object for the same commit and moving the
// ref. The passed annotation is updated on success.
func (m *TagManager) UpdateTagDescription(ctx context.Context, tag *TagAnnotation, prs []*PullRequestRecord) error {
	description := Summary(prs)

	refs, err := m.clt.TagRefs(ctx)
	if err != nil {
		return fmt.Errorf("listing tags failed: %w", err)
	}

	var oldObjectID string
	for _, ref := range refs {
		if ref.Name == tag.Name {
			oldObjectID = ref.ObjectID
			break
		}
	}

	objectID, err := m.clt.CreateAnnotatedTag(ctx, tag.Name, tag.CommitHash, description)
	if err != nil {
		return fmt.Errorf("creating annotated tag object failed: %w", err)
	}

	if err := m.clt.SetTagRef(ctx, tag.Name, oldObjectID, objectID); err != nil {
		return fmt.Errorf("moving tag ref %s failed: %w", tag.Name, err)
	}

	tag.Description = description

	m.logger.Info(
		"release tag description updated",
		logfields.Event("release_tag_updated"),
		logfields.Tag(tag.Name),
		logfields.Commit(devopsclt.ShortSHA(tag.CommitHash)),
		zap.Int("pull_request_count", len(prs)),
	)

	return nil
}

// Summary renders the tag description for a list of pull requests.
func Summary(prs []*PullRequestRecord) string {
	if len(prs) == 0 {
		return "No PRs in this release"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Release Date: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Release includes %d PR(s):\n\n", len(prs))

	for i, pr := range prs {
		if pr.TicketID != "" {
			fmt.Fprintf(&b, "%d. %s: %s (PR #%d)\n", i+1, pr.TicketID, pr.Description, pr.Number)
		} else {
			fmt.Fprintf(&b, "%d. %s (PR #%d)\n", i+1, pr.Description, pr.Number)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
