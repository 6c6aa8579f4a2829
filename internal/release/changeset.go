// Package release resolves the set of pull requests contained in a release
// and maintains the release tag describing it.
package release

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/logfields"
)

const loggerName = "release"

// commitScanLimit bounds how many branch commits are fetched per query.
// The "commits after X" filter of the API is unreliable, commits are
// fetched without it and filtered by date instead.
const commitScanLimit = 100

// PullRequestRecord describes one merged pull request.
// Records are immutable, collections of them are replaced wholesale on
// refresh.
type PullRequestRecord struct {
	Number            int
	TicketID          string
	Description       string
	Author            string
	SourceCommitShort string
}

func (p *PullRequestRecord) String() string {
	if p.TicketID != "" {
		return fmt.Sprintf("%s: %s - %s (PR %d)", p.TicketID, p.Description, p.Author, p.Number)
	}

	return fmt.Sprintf("%s - %s (PR %d)", p.Description, p.Author, p.Number)
}

type GitClient interface {
	Commit(ctx context.Context, sha string) (*devopsclt.Commit, error)
	Commits(ctx context.Context, branch string, top int) ([]*devopsclt.Commit, error)
}

// Resolver finds the pull requests that were merged into a branch after a
// baseline commit.
type Resolver struct {
	clt    GitClient
	logger *zap.Logger
}

func NewResolver(clt GitClient) *Resolver {
	return &Resolver{
		clt:    clt,
		logger: zap.L().Named(loggerName),
	}
}

var mergeCommitRe = regexp.MustCompile(`^Merged PR (\d+): *(.*)`)
var ticketRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)
var bracketTagRe = regexp.MustCompile(`\[[^\]]*\] *`)

// PullRequestsAfter returns the pull requests whose merge commits are on
// branch and newer than the baseline commit, newest first.
// An empty result means no new changes, an error means the query failed.
func (r *Resolver) PullRequestsAfter(ctx context.Context, baselineCommit, branch string) ([]*PullRequestRecord, error) {
	baseline, err := r.clt.Commit(ctx, baselineCommit)
	if err != nil {
		return nil, fmt.Errorf("querying baseline commit %s failed: %w", devopsclt.ShortSHA(baselineCommit), err)
	}

	commits, err := r.clt.Commits(ctx, branch, commitScanLimit)
	if err != nil {
		return nil, fmt.Errorf("listing commits on branch %s failed: %w", branch, err)
	}

	var result []*PullRequestRecord

	for _, commit := range commits {
		if commit.SHA == baseline.SHA || !commit.Date.After(baseline.Date) {
			continue
		}

		pr := parseMergeCommit(commit)
		if pr == nil {
			continue
		}

		result = append(result, pr)
	}

	r.logger.Debug(
		"resolved pull requests merged after baseline",
		logfields.Event("changeset_resolved"),
		logfields.Branch(branch),
		logfields.Commit(devopsclt.ShortSHA(baselineCommit)),
		zap.Int("pull_request_count", len(result)),
	)

	return result, nil
}

// parseMergeCommit extracts a pull request record from a merge commit
// message in the form "Merged PR <nr>: <description>".
// nil is returned for commits that are not PR merges.
func parseMergeCommit(commit *devopsclt.Commit) *PullRequestRecord {
	firstLine, _, _ := strings.Cut(commit.Comment, "\n")

	matches := mergeCommitRe.FindStringSubmatch(firstLine)
	if matches == nil {
		return nil
	}

	number, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil
	}

	description := matches[2]

	var ticketID string
	if ticketMatch := ticketRe.FindString(description); ticketMatch != "" {
		ticketID = ticketMatch
		description = strings.Replace(description, ticketMatch, "", 1)
	}

	description = bracketTagRe.ReplaceAllString(description, "")
	description = strings.Trim(description, " :-")

	return &PullRequestRecord{
		Number:            number,
		TicketID:          ticketID,
		Description:       description,
		Author:            strings.TrimSpace(commit.Author),
		SourceCommitShort: commit.ShortSHA(),
	}
}

// VerifyCommitOnBranch returns true when the commit is reachable on the
// branch.
func (r *Resolver) VerifyCommitOnBranch(ctx context.Context, sha, branch string) (bool, error) {
	commits, err := r.clt.Commits(ctx, branch, commitScanLimit)
	if err != nil {
		return false, err
	}

	for _, commit := range commits {
		if commit.SHA == sha {
			return true, nil
		}
	}

	return false, nil
}

// FindCommitByDate returns the commit on the branch that is closest to, but
// not newer than, the target date. When all commits are newer the oldest
// known commit is returned. It is the fallback baseline when the build's
// source commit vanished from the branch, e.g. after a reset.
func (r *Resolver) FindCommitByDate(ctx context.Context, target time.Time, branch string) (string, error) {
	commits, err := r.clt.Commits(ctx, branch, commitScanLimit)
	if err != nil {
		return "", err
	}

	if len(commits) == 0 {
		return "", fmt.Errorf("branch %s has no commits", branch)
	}

	var closest *devopsclt.Commit

	for _, commit := range commits {
		if commit.Date.After(target) {
			continue
		}

		if closest == nil || commit.Date.After(closest.Date) {
			closest = commit
		}
	}

	if closest == nil {
		closest = commits[len(commits)-1]
	}

	r.logger.Debug(
		"found commit closest to target date",
		logfields.Event("baseline_fallback_commit_found"),
		logfields.Branch(branch),
		logfields.Commit(closest.ShortSHA()),
		zap.Time("target_date", target),
	)

	return closest.SHA, nil
}
