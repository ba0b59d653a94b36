// Package usecase contains the business logic of the application.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/naka-gawa/profile-summary/internal/cache"
	"github.com/naka-gawa/profile-summary/internal/domain"
	"github.com/naka-gawa/profile-summary/internal/gateway"
)

const maxConcurrentCommitFetches = 8

var (
	// ErrUserNotFound means the upstream has no such user.
	ErrUserNotFound = gateway.ErrUserNotFound
	// ErrNotPermitted means admission control refused to produce the profile.
	ErrNotPermitted = errors.New("profile generation not permitted")
	// ErrRateLimited means the upstream refused the call for lack of quota.
	ErrRateLimited = gateway.ErrRateLimited
)

// Fetcher is the upstream the service builds profiles from.
type Fetcher interface {
	FetchUser(ctx context.Context, login string) (domain.User, error)
	UserExists(ctx context.Context, login string) (bool, error)
	FetchRepositories(ctx context.Context, login string) ([]domain.Repository, error)
	FetchCommits(ctx context.Context, owner, repo, author string) ([]domain.Commit, error)
	RemainingQuota() int
}

// ProfileCache stores serialized profiles.
type ProfileCache interface {
	Lookup(ctx context.Context, username string) (*cache.Entry, error)
	Save(ctx context.Context, username string, payload []byte) error
}

// WatcherChecker answers whether a user stars the target repository.
type WatcherChecker interface {
	HasMember(ctx context.Context, username string) bool
}

// Policy holds the operator settings admission control reads.
type Policy struct {
	Unrestricted bool
	// FreeRequestsCutoff is the quota above which anyone may generate a
	// profile. nil means there is no cutoff.
	FreeRequestsCutoff *int
}

// Decision is the outcome of admission control.
type Decision int

const (
	Denied Decision = iota
	AdmittedCached
	AdmittedUnrestricted
	AdmittedFreeTier
	AdmittedWatcher
)

// Admitted reports whether the decision lets the request proceed.
func (d Decision) Admitted() bool { return d != Denied }

func (d Decision) String() string {
	switch d {
	case AdmittedCached:
		return "cached"
	case AdmittedUnrestricted:
		return "unrestricted"
	case AdmittedFreeTier:
		return "free-tier"
	case AdmittedWatcher:
		return "watcher"
	default:
		return "denied"
	}
}

// ProfileService answers whether a profile can be loaded and produces it.
type ProfileService struct {
	fetcher  Fetcher
	cache    ProfileCache
	watchers WatcherChecker
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time

	inflight singleflight.Group
}

// NewProfileService creates a new ProfileService instance.
func NewProfileService(fetcher Fetcher, cache ProfileCache, watchers WatcherChecker, policy Policy, logger *slog.Logger) *ProfileService {
	return &ProfileService{
		fetcher:  fetcher,
		cache:    cache,
		watchers: watchers,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// admit evaluates admission control for a user without a fresh cache entry.
func (s *ProfileService) admit(ctx context.Context, login string) Decision {
	if s.policy.Unrestricted {
		return AdmittedUnrestricted
	}
	quota := s.fetcher.RemainingQuota()
	if s.policy.FreeRequestsCutoff == nil || quota > *s.policy.FreeRequestsCutoff {
		return AdmittedFreeTier
	}
	if quota > 0 && s.watchers.HasMember(ctx, login) {
		return AdmittedWatcher
	}
	return Denied
}

// cached returns the decoded fresh cache entry for login, or nil.
func (s *ProfileService) cached(ctx context.Context, login string) (*domain.UserProfile, error) {
	entry, err := s.cache.Lookup(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile cache: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var profile domain.UserProfile
	if err := json.Unmarshal(entry.Payload, &profile); err != nil {
		s.logger.Warn("discarding undecodable cache entry", "user", entry.Username, "err", err)
		return nil, nil
	}
	return &profile, nil
}

// CanLoad reports the admission decision for login. A fresh cache entry
// admits without any upstream call. ErrUserNotFound is returned when the
// upstream has no such user. An existence check refused for lack of quota is
// a denial.
func (s *ProfileService) CanLoad(ctx context.Context, login string) (Decision, error) {
	profile, err := s.cached(ctx, login)
	if err != nil {
		return Denied, err
	}
	if profile != nil {
		return AdmittedCached, nil
	}
	exists, err := s.fetcher.UserExists(ctx, login)
	if errors.Is(err, ErrRateLimited) {
		s.logger.Info("existence check rate limited", "user", login, "err", err)
		return Denied, nil
	}
	if err != nil {
		return Denied, fmt.Errorf("failed to check user %s: %w", login, err)
	}
	if !exists {
		return Denied, ErrUserNotFound
	}
	return s.admit(ctx, login), nil
}

// Profile returns the cached profile for login, or generates and caches a new
// one when admission control allows it. It returns ErrUserNotFound or
// ErrNotPermitted when no profile can be produced. Running out of upstream
// quota part way is reported as ErrNotPermitted.
func (s *ProfileService) Profile(ctx context.Context, login string) (*domain.UserProfile, error) {
	profile, err := s.profile(ctx, login)
	if errors.Is(err, ErrRateLimited) {
		s.logger.Info("profile generation rate limited", "user", login, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrNotPermitted, err)
	}
	return profile, err
}

func (s *ProfileService) profile(ctx context.Context, login string) (*domain.UserProfile, error) {
	profile, err := s.cached(ctx, login)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	user, err := s.fetcher.FetchUser(ctx, login)
	if err != nil {
		return nil, err
	}
	decision := s.admit(ctx, login)
	if !decision.Admitted() {
		s.logger.Info("profile generation denied", "user", login, "quota", s.fetcher.RemainingQuota())
		return nil, ErrNotPermitted
	}
	s.logger.Info("generating profile", "user", user.Login, "admission", decision.String())
	return s.generate(ctx, user)
}

// generate builds the profile for user. Concurrent calls for the same login
// share one upstream generation, which outlives the caller that started it.
func (s *ProfileService) generate(ctx context.Context, user domain.User) (*domain.UserProfile, error) {
	shared := context.WithoutCancel(ctx)
	v, err, joined := s.inflight.Do(strings.ToLower(user.Login), func() (interface{}, error) {
		return s.build(shared, user)
	})
	if err != nil {
		return nil, err
	}
	if joined {
		s.logger.Debug("joined in-flight profile generation", "user", user.Login)
	}
	return v.(*domain.UserProfile), nil
}

func (s *ProfileService) build(ctx context.Context, user domain.User) (*domain.UserProfile, error) {
	all, err := s.fetcher.FetchRepositories(ctx, user.Login)
	if err != nil {
		return nil, err
	}
	var repos []domain.Repository
	for _, r := range all {
		if !r.Fork && r.Size != 0 {
			repos = append(repos, r)
		}
	}

	commits := make([][]domain.Commit, len(repos))
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentCommitFetches)
	for i, repo := range repos {
		eg.Go(func() error {
			commits[i] = s.commitsForRepo(ctx, repo, user.Login)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	profile, outOfRange := BuildProfile(user, repos, commits, s.now())
	if outOfRange > 0 {
		s.logger.Warn("commits outside quarter range were not counted", "user", user.Login, "count", outOfRange)
	}
	s.logger.Debug("profile built", "user", user.Login, "repos", len(repos), "languages", profile.LangRepoCount.Keys())

	payload, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := s.cache.Save(ctx, user.Login, payload); err != nil {
		return nil, fmt.Errorf("failed to cache profile: %w", err)
	}
	return profile, nil
}

// commitsForRepo returns the commits authored by login. A failed fetch
// contributes no commits instead of failing the profile.
func (s *ProfileService) commitsForRepo(ctx context.Context, repo domain.Repository, login string) []domain.Commit {
	commits, err := s.fetcher.FetchCommits(ctx, repo.Owner, repo.Name, login)
	if err != nil {
		s.logger.Info("skipping commits for repository", "repo", repo.Owner+"/"+repo.Name, "err", err)
		return nil
	}
	var authored []domain.Commit
	for _, c := range commits {
		if strings.EqualFold(c.AuthorLogin, login) {
			authored = append(authored, c)
		}
	}
	return authored
}

// BuildProfile reduces a user's repositories and their commits into a profile.
// commits[i] belongs to repos[i].
func BuildProfile(user domain.User, repos []domain.Repository, commits [][]domain.Commit, now time.Time) (*domain.UserProfile, int) {
	quarters, outOfRange := BucketByQuarter(user.CreatedAt, now, commits)

	var langRepos, langStars, langCommits domain.OrderedMap[int]
	langIndex := make(map[string]int)
	var repoCommits, repoStars domain.OrderedMap[int]
	descriptions := make(map[string]*string)

	for i, repo := range repos {
		lang := repo.Language
		if lang == "" {
			lang = "Unknown"
		}
		li, ok := langIndex[lang]
		if !ok {
			li = len(langRepos)
			langIndex[lang] = li
			langRepos = append(langRepos, domain.Entry[int]{Key: lang})
			langStars = append(langStars, domain.Entry[int]{Key: lang})
			langCommits = append(langCommits, domain.Entry[int]{Key: lang})
		}
		langRepos[li].Value++
		langStars[li].Value += repo.Stars
		langCommits[li].Value += len(commits[i])

		repoCommits = append(repoCommits, domain.Entry[int]{Key: repo.Name, Value: len(commits[i])})
		if repo.Stars > 0 {
			repoStars = append(repoStars, domain.Entry[int]{Key: repo.Name, Value: repo.Stars})
		}
		if _, seen := descriptions[repo.Name]; !seen {
			descriptions[repo.Name] = repo.Description
		}
	}

	topCommits := top(rankByCount(repoCommits), topRepos)
	topStars := top(rankByCount(repoStars), topRepos)

	return &domain.UserProfile{
		User:                        user,
		QuarterCommitCount:          quarters,
		QuarterCommitStats:          summarize(quarters),
		LangRepoCount:               rankByCount(langRepos),
		LangStarCount:               rankByCount(positive(langStars)),
		LangCommitCount:             rankByCount(langCommits),
		RepoCommitCount:             topCommits,
		RepoStarCount:               topStars,
		RepoCommitCountDescriptions: describe(topCommits, descriptions),
		RepoStarCountDescriptions:   describe(topStars, descriptions),
	}, outOfRange
}

func describe(ranked domain.OrderedMap[int], descriptions map[string]*string) domain.OrderedMap[*string] {
	out := make(domain.OrderedMap[*string], 0, len(ranked))
	for _, e := range ranked {
		out = append(out, domain.Entry[*string]{Key: e.Key, Value: descriptions[e.Key]})
	}
	return out
}
