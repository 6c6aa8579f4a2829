package devopsclt

import "time"

type BuildStatus string

const (
	StatusNotStarted BuildStatus = "notStarted"
	StatusInProgress BuildStatus = "inProgress"
	StatusCompleted  BuildStatus = "completed"
)

type BuildResult string

const (
	ResultNone               BuildResult = ""
	ResultSucceeded          BuildResult = "succeeded"
	ResultPartiallySucceeded BuildResult = "partiallySucceeded"
	ResultFailed             BuildResult = "failed"
	ResultCanceled           BuildResult = "canceled"
)

// BuildRef is a snapshot of a build queried from the build provider.
// It reflects the state at poll time and must not be cached across poll
// cycles.
type BuildRef struct {
	ID           int
	Number       string
	SourceCommit string
	StartTime    time.Time
	FinishTime   time.Time
	Status       BuildStatus
	Result       BuildResult
	WebURL       string
}

// SuccessfulResult returns true for results that count as a successful
// deployment.
func (b *BuildRef) SuccessfulResult() bool {
	return b.Result == ResultSucceeded || b.Result == ResultPartiallySucceeded
}

// Commit describes a single commit on a branch.
type Commit struct {
	SHA     string
	Comment string
	Author  string
	Date    time.Time
}

// ShortSHA returns the abbreviated commit hash.
func (c *Commit) ShortSHA() string {
	return ShortSHA(c.SHA)
}

func ShortSHA(sha string) string {
	if len(sha) <= 8 {
		return sha
	}

	return sha[:8]
}

// TagRef is a tag name with the git object its ref points to.
// For annotated tags ObjectID is the tag object, not the commit.
type TagRef struct {
	Name     string
	ObjectID string
}
