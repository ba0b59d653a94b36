// Package gateway provides a gateway to the GitHub API,
// abstracting away the underlying REST and GraphQL clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"

	"github.com/naka-gawa/profile-summary/internal/domain"
)

const pageSize = 100

var (
	// ErrUserNotFound is returned when the upstream reports no such user.
	ErrUserNotFound = errors.New("user not found")
	// ErrRateLimited is returned when the client's primary or secondary
	// rate limit is exhausted.
	ErrRateLimited = errors.New("upstream rate limit exhausted")
)

// Client is bound to exactly one credential and remembers the remaining quota
// observed on its most recent REST response.
type Client struct {
	id            int
	restClient    *github.Client
	graphqlClient *githubv4.Client
	remaining     atomic.Int64
	logger        *slog.Logger
}

// stargazerCountQuery reads the star count without spending REST quota.
type stargazerCountQuery struct {
	Repository struct {
		StargazerCount int
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// NewClient is a constructor that creates a Client for a single credential.
// An empty token yields an unauthenticated client. A non-empty baseURL points
// the client at a GitHub Enterprise server instead of api.github.com.
func NewClient(id int, token, baseURL string, logger *slog.Logger) (*Client, error) {
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(1*time.Minute, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	var transport http.RoundTripper = rateLimitWaiter
	if token != "" {
		transport = &oauth2.Transport{
			Base:   rateLimitWaiter,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		}
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	restClient := github.NewClient(httpClient)
	graphqlClient := githubv4.NewClient(httpClient)
	if baseURL != "" {
		restClient, err = restClient.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set enterprise URL: %w", err)
		}
		graphqlClient = githubv4.NewEnterpriseClient(strings.TrimSuffix(baseURL, "/")+"/api/graphql", httpClient)
	}
	return &Client{
		id:            id,
		restClient:    restClient,
		graphqlClient: graphqlClient,
		logger:        logger,
	}, nil
}

// ID returns the position of the client's credential in the configuration.
func (c *Client) ID() int { return c.id }

// Remaining returns the last observed remaining quota.
func (c *Client) Remaining() int { return int(c.remaining.Load()) }

// observe records the quota reported by a REST response, if it carried one.
func (c *Client) observe(resp *github.Response) {
	if resp == nil || resp.Response == nil {
		return
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "" {
		return
	}
	c.remaining.Store(int64(resp.Rate.Remaining))
}

// classify marks rate limit failures with ErrRateLimited, including the ones
// go-github raises without a request while a known limit is still in effect.
func classify(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

// FetchUser returns the user with the given login, or ErrUserNotFound.
func (c *Client) FetchUser(ctx context.Context, login string) (domain.User, error) {
	u, resp, err := c.restClient.Users.Get(ctx, login)
	c.observe(resp)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to fetch user %s: %w", login, classify(err))
	}
	return domain.User{
		Login:       u.GetLogin(),
		Name:        u.GetName(),
		AvatarURL:   u.GetAvatarURL(),
		HTMLURL:     u.GetHTMLURL(),
		Company:     u.GetCompany(),
		Blog:        u.GetBlog(),
		Location:    u.GetLocation(),
		Bio:         u.GetBio(),
		PublicRepos: u.GetPublicRepos(),
		Followers:   u.GetFollowers(),
		Following:   u.GetFollowing(),
		CreatedAt:   u.GetCreatedAt().Time,
	}, nil
}

// UserExists reports whether the login exists upstream. A non-nil error means
// the answer is unknown.
func (c *Client) UserExists(ctx context.Context, login string) (bool, error) {
	_, err := c.FetchUser(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FetchRepositories lists every repository owned by login.
func (c *Client) FetchRepositories(ctx context.Context, login string) ([]domain.Repository, error) {
	c.logger.Debug("fetching repositories", "client", c.id, "user", login)
	opts := &github.RepositoryListByUserOptions{
		Type:        "owner",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	var repos []domain.Repository
	for {
		page, resp, err := c.restClient.Repositories.ListByUser(ctx, login, opts)
		c.observe(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories for %s: %w", login, classify(err))
		}
		for _, r := range page {
			repos = append(repos, domain.Repository{
				Name:        r.GetName(),
				Owner:       r.GetOwner().GetLogin(),
				Description: r.Description,
				Language:    r.GetLanguage(),
				Stars:       r.GetStargazersCount(),
				Fork:        r.GetFork(),
				Size:        r.GetSize(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// FetchCommits lists the commits of owner/repo filtered upstream by author.
func (c *Client) FetchCommits(ctx context.Context, owner, repo, author string) ([]domain.Commit, error) {
	opts := &github.CommitsListOptions{
		Author:      author,
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	var commits []domain.Commit
	for {
		page, resp, err := c.restClient.Repositories.ListCommits(ctx, owner, repo, opts)
		c.observe(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to list commits for %s/%s: %w", owner, repo, classify(err))
		}
		for _, rc := range page {
			commits = append(commits, domain.Commit{
				SHA:         rc.GetSHA(),
				AuthorLogin: rc.GetAuthor().GetLogin(),
				CommittedAt: rc.GetCommit().GetCommitter().GetDate().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

// Ping issues a lightweight read of owner/repo and returns the quota it observed.
func (c *Client) Ping(ctx context.Context, owner, repo string) (int, error) {
	_, resp, err := c.restClient.Repositories.Get(ctx, owner, repo)
	c.observe(resp)
	if err != nil {
		return c.Remaining(), fmt.Errorf("failed to ping %s/%s: %w", owner, repo, classify(err))
	}
	return c.Remaining(), nil
}

// StargazerPage returns the lower-cased logins on one page of the stargazer list.
func (c *Client) StargazerPage(ctx context.Context, owner, repo string, page, perPage int) ([]string, error) {
	stargazers, resp, err := c.restClient.Activity.ListStargazers(ctx, owner, repo, &github.ListOptions{Page: page, PerPage: perPage})
	c.observe(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to list stargazers page %d: %w", page, classify(err))
	}
	logins := make([]string, 0, len(stargazers))
	for _, s := range stargazers {
		if login := s.GetUser().GetLogin(); login != "" {
			logins = append(logins, strings.ToLower(login))
		}
	}
	return logins, nil
}

// StargazerCount returns the star count of owner/repo. It asks GraphQL first and
// falls back to REST, which unauthenticated clients need.
func (c *Client) StargazerCount(ctx context.Context, owner, repo string) (int, error) {
	var q stargazerCountQuery
	variables := map[string]interface{}{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}
	err := c.graphqlClient.Query(ctx, &q, variables)
	if err == nil {
		return q.Repository.StargazerCount, nil
	}
	c.logger.Debug("GraphQL stargazer count failed, falling back to REST", "client", c.id, "err", err)

	r, resp, err := c.restClient.Repositories.Get(ctx, owner, repo)
	c.observe(resp)
	if err != nil {
		return 0, fmt.Errorf("failed to read stargazer count for %s/%s: %w", owner, repo, classify(err))
	}
	return r.GetStargazersCount(), nil
}
