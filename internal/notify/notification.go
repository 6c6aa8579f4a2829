// Package notify posts deployment status notifications to webhook
// destinations.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/release"
)

// StatusKind tags the variant of a notification.
type StatusKind int8

const (
	KindTriggered StatusKind = iota
	KindInProgress
	KindSucceeded
	KindFailed
	KindAbandoned
)

func (k StatusKind) String() string {
	switch k {
	case KindTriggered:
		return "triggered"
	case KindInProgress:
		return "in_progress"
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Notification is one outbound status message.
type Notification struct {
	Kind         StatusKind
	Pipeline     string
	Build        *devopsclt.BuildRef
	PullRequests []*release.PullRequestRecord
	Elapsed      time.Duration
	Tag          string
}

// Message renders the notification as a markdown text message.
func (n *Notification) Message() string {
	var b strings.Builder

	pipeline := strings.ToUpper(n.Pipeline)

	switch n.Kind {
	case KindTriggered:
		fmt.Fprintf(&b, "**%s PIPELINE TRIGGERED**\n\n", pipeline)
		fmt.Fprintf(&b, "The %s deployment pipeline has been triggered and is now running.\n", n.Pipeline)
		n.writePullRequests(&b, "Deploying PRs")

	case KindInProgress:
		fmt.Fprintf(&b, "**%s DEPLOYMENT IN PROGRESS**\n\n", pipeline)
		fmt.Fprintf(&b, "The deployment is still running, %s elapsed.\n", formatDuration(n.Elapsed))
		n.writePullRequests(&b, "Deploying PRs")

	case KindSucceeded:
		if n.Build != nil && n.Build.Result == devopsclt.ResultPartiallySucceeded {
			fmt.Fprintf(&b, "**%s DEPLOYMENT COMPLETED**\n\n", pipeline)
			fmt.Fprintf(&b, "The deployment to the %s environment completed with partial success. Some components may have warnings, check the build logs.\n", pipeline)
		} else {
			fmt.Fprintf(&b, "**%s DEPLOYMENT SUCCEEDED**\n\n", pipeline)
			fmt.Fprintf(&b, "The deployment to the %s environment completed successfully.\n", pipeline)
		}
		n.writePullRequests(&b, "Deployed PRs")

	case KindFailed:
		fmt.Fprintf(&b, "**%s DEPLOYMENT FAILED**\n\n", pipeline)
		fmt.Fprintf(&b, "The deployment to the %s environment has failed. Check the build logs for details.\n", pipeline)
		n.writePullRequests(&b, "Failed PRs")

	case KindAbandoned:
		fmt.Fprintf(&b, "**%s DEPLOYMENT MONITORING ABANDONED**\n\n", pipeline)
		fmt.Fprintf(&b, "The build did not finish within %s, monitoring was stopped. The deployment may still be running, check the build page.\n", formatDuration(n.Elapsed))
		n.writePullRequests(&b, "PRs in this deployment")
	}

	n.writeBuildDetails(&b)

	return strings.TrimRight(b.String(), "\n")
}

func (n *Notification) writePullRequests(b *strings.Builder, heading string) {
	if len(n.PullRequests) == 0 {
		return
	}

	fmt.Fprintf(b, "\n**%s:**\n", heading)

	for i, pr := range n.PullRequests {
		fmt.Fprintf(b, "%d. %s\n", i+1, pr.String())
	}
}

func (n *Notification) writeBuildDetails(b *strings.Builder) {
	if n.Build == nil {
		return
	}

	b.WriteString("\n**Build Details:**\n")
	fmt.Fprintf(b, "- Build Number: %s\n", n.Build.Number)
	fmt.Fprintf(b, "- Build ID: %d\n", n.Build.ID)

	if n.Build.Result != devopsclt.ResultNone {
		fmt.Fprintf(b, "- Result: %s\n", strings.ToUpper(string(n.Build.Result)))
	} else {
		fmt.Fprintf(b, "- Status: %s\n", strings.ToUpper(string(n.Build.Status)))
	}

	if n.Tag != "" {
		fmt.Fprintf(b, "- Release Tag: %s\n", n.Tag)
	}

	fmt.Fprintf(b, "- Total PRs: %d\n", len(n.PullRequests))

	if n.Build.WebURL != "" {
		fmt.Fprintf(b, "\n[View Build](%s)\n", n.Build.WebURL)
	}
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1f minutes", d.Minutes())
}
