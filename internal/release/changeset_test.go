package release

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aegisdx/deploymon/internal/devopsclt"
)

const testBranch = "main"

func initTestLogger(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
}

// fakeGitClient serves a fixed branch history, newest commit first.
type fakeGitClient struct {
	commits []*devopsclt.Commit
	err     error
}

func (f *fakeGitClient) Commit(_ context.Context, sha string) (*devopsclt.Commit, error) {
	if f.err != nil {
		return nil, f.err
	}

	for _, commit := range f.commits {
		if commit.SHA == sha {
			return commit, nil
		}
	}

	return nil, errors.New("commit not found")
}

func (f *fakeGitClient) Commits(_ context.Context, _ string, top int) ([]*devopsclt.Commit, error) {
	if f.err != nil {
		return nil, f.err
	}

	if top > len(f.commits) {
		top = len(f.commits)
	}

	return f.commits[:top], nil
}

func commit(sha, comment, author string, age time.Duration) *devopsclt.Commit {
	return &devopsclt.Commit{
		SHA:     sha,
		Comment: comment,
		Author:  author,
		Date:    time.Now().Add(-age),
	}
}

func TestParseMergeCommit(t *testing.T) {
	testcases := []struct {
		name     string
		comment  string
		expected *PullRequestRecord
	}{
		{
			name:    "with ticket id",
			comment: "Merged PR 812: PROJ-441 speed up artifact upload",
			expected: &PullRequestRecord{
				Number:      812,
				TicketID:    "PROJ-441",
				Description: "speed up artifact upload",
			},
		},
		{
			name:    "without ticket id",
			comment: "Merged PR 813: fix flaky smoke test",
			expected: &PullRequestRecord{
				Number:      813,
				Description: "fix flaky smoke test",
			},
		},
		{
			name:    "bracket tags are stripped",
			comment: "Merged PR 814: [hotfix] PROJ-9 rollback config change",
			expected: &PullRequestRecord{
				Number:      814,
				TicketID:    "PROJ-9",
				Description: "rollback config change",
			},
		},
		{
			name:    "multiline message uses first line",
			comment: "Merged PR 815: PROJ-10 migrate queue\n\nRelated work items: #10",
			expected: &PullRequestRecord{
				Number:      815,
				TicketID:    "PROJ-10",
				Description: "migrate queue",
			},
		},
		{
			name:     "plain commit is not a pull request",
			comment:  "bump version to 1.4.1",
			expected: nil,
		},
		{
			name:     "merge commit of a branch is not a pull request",
			comment:  "Merge branch 'feature/foo' into main",
			expected: nil,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			result := parseMergeCommit(&devopsclt.Commit{
				SHA:     "a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9",
				Comment: tc.comment,
				Author:  "testman",
			})

			if tc.expected == nil {
				assert.Nil(t, result)
				return
			}

			require.NotNil(t, result)
			assert.Equal(t, tc.expected.Number, result.Number)
			assert.Equal(t, tc.expected.TicketID, result.TicketID)
			assert.Equal(t, tc.expected.Description, result.Description)
			assert.Equal(t, "testman", result.Author)
			assert.Equal(t, "a0b1c2d3", result.SourceCommitShort)
		})
	}
}

func TestPullRequestRecordString(t *testing.T) {
	withTicket := PullRequestRecord{
		Number:      55,
		TicketID:    "PROJ-55",
		Description: "harden retry logic",
		Author:      "alice",
	}
	assert.Equal(t, "PROJ-55: harden retry logic - alice (PR 55)", withTicket.String())

	withoutTicket := PullRequestRecord{
		Number:      56,
		Description: "fix typo",
		Author:      "bob",
	}
	assert.Equal(t, "fix typo - bob (PR 56)", withoutTicket.String())
}

func TestPullRequestsAfterFiltersByBaselineDate(t *testing.T) {
	initTestLogger(t)

	clt := fakeGitClient{commits: []*devopsclt.Commit{
		commit("c4", "Merged PR 44: PROJ-4 newest change", "alice", time.Hour),
		commit("c3", "bump version", "bob", 2*time.Hour),
		commit("c2", "Merged PR 42: PROJ-2 second change", "bob", 3*time.Hour),
		commit("c1", "Merged PR 41: PROJ-1 baseline change", "alice", 4*time.Hour),
		commit("c0", "Merged PR 40: PROJ-0 ancient change", "carol", 5*time.Hour),
	}}

	resolver := NewResolver(&clt)

	prs, err := resolver.PullRequestsAfter(context.Background(), "c1", testBranch)
	require.NoError(t, err)

	require.Len(t, prs, 2)
	assert.Equal(t, 44, prs[0].Number, "newest pull request must come first")
	assert.Equal(t, 42, prs[1].Number)
}

func TestPullRequestsAfterReturnsEmptyWhenUpToDate(t *testing.T) {
	initTestLogger(t)

	clt := fakeGitClient{commits: []*devopsclt.Commit{
		commit("c1", "Merged PR 41: PROJ-1 baseline change", "alice", time.Hour),
	}}

	resolver := NewResolver(&clt)

	prs, err := resolver.PullRequestsAfter(context.Background(), "c1", testBranch)
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestPullRequestsAfterPropagatesQueryErrors(t *testing.T) {
	initTestLogger(t)

	queryErr := errors.New("api unavailable")
	resolver := NewResolver(&fakeGitClient{err: queryErr})

	_, err := resolver.PullRequestsAfter(context.Background(), "c1", testBranch)
	assert.ErrorIs(t, err, queryErr)
}

func TestVerifyCommitOnBranch(t *testing.T) {
	initTestLogger(t)

	clt := fakeGitClient{commits: []*devopsclt.Commit{
		commit("c2", "second", "alice", time.Hour),
		commit("c1", "first", "bob", 2*time.Hour),
	}}

	resolver := NewResolver(&clt)

	onBranch, err := resolver.VerifyCommitOnBranch(context.Background(), "c1", testBranch)
	require.NoError(t, err)
	assert.True(t, onBranch)

	onBranch, err = resolver.VerifyCommitOnBranch(context.Background(), "gone", testBranch)
	require.NoError(t, err)
	assert.False(t, onBranch)
}

func TestFindCommitByDate(t *testing.T) {
	initTestLogger(t)

	clt := fakeGitClient{commits: []*devopsclt.Commit{
		commit("c3", "newest", "alice", time.Hour),
		commit("c2", "middle", "bob", 3*time.Hour),
		commit("c1", "oldest", "carol", 5*time.Hour),
	}}

	resolver := NewResolver(&clt)

	t.Run("closest older commit wins", func(t *testing.T) {
		sha, err := resolver.FindCommitByDate(context.Background(), time.Now().Add(-2*time.Hour), testBranch)
		require.NoError(t, err)
		assert.Equal(t, "c2", sha)
	})

	t.Run("all commits newer falls back to oldest", func(t *testing.T) {
		sha, err := resolver.FindCommitByDate(context.Background(), time.Now().Add(-24*time.Hour), testBranch)
		require.NoError(t, err)
		assert.Equal(t, "c1", sha)
	})

	t.Run("empty branch is an error", func(t *testing.T) {
		emptyResolver := NewResolver(&fakeGitClient{})

		_, err := emptyResolver.FindCommitByDate(context.Background(), time.Now(), testBranch)
		assert.Error(t, err)
	})
}
