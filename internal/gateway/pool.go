package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/naka-gawa/profile-summary/internal/domain"
)

// Domain is an upstream resource family a client is picked for.
type Domain int

const (
	Repositories Domain = iota
	Commits
	Users
	Watchers
)

func (d Domain) String() string {
	switch d {
	case Repositories:
		return "repositories"
	case Commits:
		return "commits"
	case Users:
		return "users"
	case Watchers:
		return "watchers"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

var allDomains = []Domain{Repositories, Commits, Users, Watchers}

// PingResult is the outcome of one health check.
type PingResult struct {
	Client    int
	Remaining int
	Err       error
}

// Pool owns one Client per credential and routes each call to the client with
// the most remaining quota for the call's domain.
type Pool struct {
	clients []*Client
	domains map[Domain][]*Client
	owner   string
	repo    string
	logger  *slog.Logger
}

// NewPool builds one client per token. target is the "owner/name" repository
// used for health checks and watcher lookups. baseURL is empty for github.com.
func NewPool(tokens []string, target, baseURL string, logger *slog.Logger) (*Pool, error) {
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	clients := make([]*Client, 0, len(tokens))
	for i, token := range tokens {
		c, err := NewClient(i, strings.TrimSpace(token), baseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients = append(clients, c)
	}
	return NewPoolFromClients(clients, target, logger)
}

// NewPoolFromClients assigns every client to every domain.
func NewPoolFromClients(clients []*Client, target string, logger *slog.Logger) (*Pool, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("pool needs at least one client")
	}
	owner, repo, ok := strings.Cut(target, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid target repository %q, want owner/name", target)
	}
	domains := make(map[Domain][]*Client, len(allDomains))
	for _, d := range allDomains {
		domains[d] = clients
	}
	return &Pool{
		clients: clients,
		domains: domains,
		owner:   owner,
		repo:    repo,
		logger:  logger,
	}, nil
}

// Select returns the client assigned to d with the strictly greatest remaining
// quota. The first client wins ties.
func (p *Pool) Select(d Domain) *Client {
	var best *Client
	for _, c := range p.domains[d] {
		if best == nil || c.Remaining() > best.Remaining() {
			best = c
		}
	}
	return best
}

// RemainingQuota sums the last observed quota of every client.
func (p *Pool) RemainingQuota() int {
	total := 0
	for _, c := range p.clients {
		total += c.Remaining()
	}
	return total
}

// Clients returns the pooled clients in credential order.
func (p *Pool) Clients() []*Client { return p.clients }

func (p *Pool) FetchUser(ctx context.Context, login string) (domain.User, error) {
	return p.Select(Users).FetchUser(ctx, login)
}

func (p *Pool) UserExists(ctx context.Context, login string) (bool, error) {
	return p.Select(Users).UserExists(ctx, login)
}

func (p *Pool) FetchRepositories(ctx context.Context, login string) ([]domain.Repository, error) {
	return p.Select(Repositories).FetchRepositories(ctx, login)
}

func (p *Pool) FetchCommits(ctx context.Context, owner, repo, author string) ([]domain.Commit, error) {
	return p.Select(Commits).FetchCommits(ctx, owner, repo, author)
}

// StargazerCount returns the star count of the target repository.
func (p *Pool) StargazerCount(ctx context.Context) (int, error) {
	return p.Select(Watchers).StargazerCount(ctx, p.owner, p.repo)
}

// StargazerPage returns one page of the target repository's stargazers.
func (p *Pool) StargazerPage(ctx context.Context, page, perPage int) ([]string, error) {
	return p.Select(Watchers).StargazerPage(ctx, p.owner, p.repo, page, perPage)
}

// PingAll health-checks every client against the target repository. Failures
// are reported in the results, never returned.
func (p *Pool) PingAll(ctx context.Context) []PingResult {
	results := make([]PingResult, 0, len(p.clients))
	for _, c := range p.clients {
		remaining, err := c.Ping(ctx, p.owner, p.repo)
		results = append(results, PingResult{Client: c.ID(), Remaining: remaining, Err: err})
	}
	return results
}
