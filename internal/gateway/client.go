// Package gateway is the chat boundary: it ingests pull-request comment
// webhooks, parses them into tasks, authorizes requesters, and posts each
// task's single result back as a comment.
package gateway

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HeadRef describes the head of a pull request: the fork it comes from and
// the branch to prepare.
type HeadRef struct {
	Contributor string
	Repo        string
	Branch      string
}

// API is the slice of the GitHub surface the gateway consumes.
type API interface {
	IsOrgMember(ctx context.Context, org, user string) (bool, error)
	PullRequestHead(ctx context.Context, owner, repo string, number int) (*HeadRef, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Client wraps the GitHub API client.
type Client struct {
	apiClient *github.Client
	logger    *zap.Logger
}

// NewClient creates a GitHub client authenticated with accessToken.
func NewClient(accessToken string, logger *zap.Logger) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: accessToken},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{
		apiClient: github.NewClient(tc),
		logger:    logger,
	}
}

// IsOrgMember reports whether user is a member of org.
func (c *Client) IsOrgMember(ctx context.Context, org, user string) (bool, error) {
	member, _, err := c.apiClient.Organizations.IsMember(ctx, org, user)
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s in %s: %w", user, org, err)
	}
	return member, nil
}

// PullRequestHead fetches the head fork and branch of a pull request.
func (c *Client) PullRequestHead(ctx context.Context, owner, repo string, number int) (*HeadRef, error) {
	pr, _, err := c.apiClient.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	head := pr.GetHead()
	if head.GetRepo() == nil {
		return nil, fmt.Errorf("pull request %s/%s#%d has no head repository", owner, repo, number)
	}
	return &HeadRef{
		Contributor: head.GetRepo().GetOwner().GetLogin(),
		Repo:        head.GetRepo().GetName(),
		Branch:      head.GetRef(),
	}, nil
}

// PostComment creates a comment on the pull request.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.apiClient.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to post comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	c.logger.Info("posted comment",
		zap.String("owner", owner),
		zap.String("repo", repo),
		zap.Int("number", number),
	)
	return nil
}
