package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/naka-gawa/profile-summary/internal/cache"
	"github.com/naka-gawa/profile-summary/internal/domain"
)

// mockFetcher simulates the GitHub gateway without making real API calls.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchUser(ctx context.Context, login string) (domain.User, error) {
	args := m.Called(ctx, login)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *mockFetcher) UserExists(ctx context.Context, login string) (bool, error) {
	args := m.Called(ctx, login)
	return args.Bool(0), args.Error(1)
}

func (m *mockFetcher) FetchRepositories(ctx context.Context, login string) ([]domain.Repository, error) {
	args := m.Called(ctx, login)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Repository), args.Error(1)
}

func (m *mockFetcher) FetchCommits(ctx context.Context, owner, repo, author string) ([]domain.Commit, error) {
	args := m.Called(ctx, owner, repo, author)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Commit), args.Error(1)
}

func (m *mockFetcher) RemainingQuota() int {
	return m.Called().Int(0)
}

// memoryCache is an in-memory profile cache keyed by lower-cased username.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	saves   int
	saveErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]*cache.Entry{}}
}

func (c *memoryCache) Lookup(ctx context.Context, username string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[strings.ToLower(username)], nil
}

func (c *memoryCache) Save(ctx context.Context, username string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.entries[strings.ToLower(username)] = &cache.Entry{Username: strings.ToLower(username), StoredAt: time.Now(), Payload: payload}
	return nil
}

type staticWatchers struct {
	members map[string]bool
	calls   int
}

func (w *staticWatchers) HasMember(ctx context.Context, username string) bool {
	w.calls++
	return w.members[strings.ToLower(username)]
}

func intPtr(n int) *int { return &n }

func newTestService(fetcher Fetcher, c ProfileCache, w WatcherChecker, policy Policy) *ProfileService {
	s := NewProfileService(fetcher, c, w, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return date(2021, time.September, 1) }
	return s
}

func TestProfileService_CanLoadAdmission(t *testing.T) {
	testCases := []struct {
		name     string
		policy   Policy
		quota    int
		watcher  bool
		expected Decision
	}{
		{name: "unrestricted", policy: Policy{Unrestricted: true, FreeRequestsCutoff: intPtr(1000)}, quota: 0, expected: AdmittedUnrestricted},
		{name: "no cutoff configured", policy: Policy{}, quota: 0, expected: AdmittedFreeTier},
		{name: "quota above cutoff", policy: Policy{FreeRequestsCutoff: intPtr(1000)}, quota: 1001, expected: AdmittedFreeTier},
		{name: "quota equal to cutoff is not free", policy: Policy{FreeRequestsCutoff: intPtr(1000)}, quota: 1000, expected: Denied},
		{name: "watcher with quota", policy: Policy{FreeRequestsCutoff: intPtr(1000)}, quota: 500, watcher: true, expected: AdmittedWatcher},
		{name: "watcher without quota", policy: Policy{FreeRequestsCutoff: intPtr(1000)}, quota: 0, watcher: true, expected: Denied},
		{name: "non-watcher below cutoff", policy: Policy{FreeRequestsCutoff: intPtr(1000)}, quota: 500, expected: Denied},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := new(mockFetcher)
			fetcher.On("UserExists", mock.Anything, "octocat").Return(true, nil)
			fetcher.On("RemainingQuota").Return(tc.quota).Maybe()
			watchers := &staticWatchers{members: map[string]bool{"octocat": tc.watcher}}

			decision, err := newTestService(fetcher, newMemoryCache(), watchers, tc.policy).CanLoad(context.Background(), "octocat")

			require.NoError(t, err)
			assert.Equal(t, tc.expected, decision)
			assert.Equal(t, tc.expected.Admitted(), decision.Admitted())
			fetcher.AssertExpectations(t)
		})
	}
}

func TestProfileService_CanLoadCachedWithoutUpstream(t *testing.T) {
	fetcher := new(mockFetcher)
	c := newMemoryCache()
	payload, err := json.Marshal(domain.UserProfile{User: domain.User{Login: "octocat"}})
	require.NoError(t, err)
	c.entries["octocat"] = &cache.Entry{Username: "octocat", StoredAt: time.Now(), Payload: payload}

	decision, err := newTestService(fetcher, c, &staticWatchers{}, Policy{FreeRequestsCutoff: intPtr(1000)}).CanLoad(context.Background(), "OctoCat")

	require.NoError(t, err)
	assert.Equal(t, AdmittedCached, decision)
	fetcher.AssertNotCalled(t, "UserExists", mock.Anything, mock.Anything)
	fetcher.AssertNotCalled(t, "RemainingQuota")
}

func TestProfileService_CanLoadUnknownUser(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("UserExists", mock.Anything, "ghost").Return(false, nil)

	decision, err := newTestService(fetcher, newMemoryCache(), &staticWatchers{}, Policy{Unrestricted: true}).CanLoad(context.Background(), "ghost")

	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, Denied, decision)
}

func TestProfileService_CanLoadDeniedWhenExistenceCheckIsRateLimited(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("UserExists", mock.Anything, "octocat").Return(false, fmt.Errorf("failed to fetch user octocat: %w", ErrRateLimited))

	decision, err := newTestService(fetcher, newMemoryCache(), &staticWatchers{}, Policy{FreeRequestsCutoff: intPtr(1000)}).CanLoad(context.Background(), "octocat")

	require.NoError(t, err)
	assert.Equal(t, Denied, decision)
	fetcher.AssertExpectations(t)
	fetcher.AssertNotCalled(t, "RemainingQuota")
}

func TestProfileService_ProfileGeneratesAndCaches(t *testing.T) {
	desc := "a library"
	user := domain.User{Login: "Octocat", CreatedAt: date(2021, time.January, 5)}
	repos := []domain.Repository{
		{Name: "lib", Owner: "Octocat", Language: "Go", Stars: 3, Size: 10, Description: &desc},
		{Name: "fork", Owner: "Octocat", Language: "Go", Stars: 100, Size: 10, Fork: true},
		{Name: "empty", Owner: "Octocat", Language: "Go", Size: 0},
		{Name: "scripts", Owner: "Octocat", Size: 4},
	}

	fetcher := new(mockFetcher)
	fetcher.On("FetchUser", mock.Anything, "octocat").Return(user, nil)
	fetcher.On("FetchRepositories", mock.Anything, "Octocat").Return(repos, nil)
	fetcher.On("FetchCommits", mock.Anything, "Octocat", "lib", "Octocat").Return([]domain.Commit{
		{SHA: "1", AuthorLogin: "octocat", CommittedAt: date(2021, time.February, 15)},
		{SHA: "2", AuthorLogin: "OCTOCAT", CommittedAt: date(2021, time.August, 10)},
		{SHA: "3", AuthorLogin: "someone-else", CommittedAt: date(2021, time.August, 11)},
	}, nil)
	fetcher.On("FetchCommits", mock.Anything, "Octocat", "scripts", "Octocat").Return(nil, errors.New("409 repository is empty"))
	c := newMemoryCache()

	profile, err := newTestService(fetcher, c, &staticWatchers{}, Policy{Unrestricted: true}).Profile(context.Background(), "octocat")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderedMap[int]{
		{Key: "2021-Q1", Value: 1},
		{Key: "2021-Q2", Value: 0},
		{Key: "2021-Q3", Value: 1},
	}, profile.QuarterCommitCount)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "Go", Value: 1}, {Key: "Unknown", Value: 1}}, profile.LangRepoCount)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "Go", Value: 3}}, profile.LangStarCount)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "Go", Value: 2}, {Key: "Unknown", Value: 0}}, profile.LangCommitCount)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "lib", Value: 2}, {Key: "scripts", Value: 0}}, profile.RepoCommitCount)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "lib", Value: 3}}, profile.RepoStarCount)
	require.Len(t, profile.RepoStarCountDescriptions, 1)
	assert.Equal(t, &desc, profile.RepoStarCountDescriptions[0].Value)
	assert.Equal(t, 1, c.saves)
	require.Contains(t, c.entries, "octocat")

	var stored domain.UserProfile
	require.NoError(t, json.Unmarshal(c.entries["octocat"].Payload, &stored))
	assert.Equal(t, profile.RepoCommitCount, stored.RepoCommitCount)
	fetcher.AssertExpectations(t)
	fetcher.AssertNotCalled(t, "FetchCommits", mock.Anything, "Octocat", "fork", mock.Anything)
	fetcher.AssertNotCalled(t, "FetchCommits", mock.Anything, "Octocat", "empty", mock.Anything)
}

func TestProfileService_ProfileServedFromCache(t *testing.T) {
	fetcher := new(mockFetcher)
	c := newMemoryCache()
	payload, err := json.Marshal(domain.UserProfile{
		User:            domain.User{Login: "octocat"},
		RepoCommitCount: domain.OrderedMap[int]{{Key: "b", Value: 9}, {Key: "a", Value: 1}},
	})
	require.NoError(t, err)
	c.entries["octocat"] = &cache.Entry{Username: "octocat", StoredAt: time.Now(), Payload: payload}

	profile, err := newTestService(fetcher, c, &staticWatchers{}, Policy{}).Profile(context.Background(), "octocat")

	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, profile.RepoCommitCount.Keys())
	assert.Zero(t, c.saves)
	fetcher.AssertExpectations(t)
}

func TestProfileService_ProfileErrors(t *testing.T) {
	testCases := []struct {
		name        string
		setup       func(f *mockFetcher, c *memoryCache)
		expectedErr error
	}{
		{
			name: "unknown user",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{}, ErrUserNotFound)
			},
			expectedErr: ErrUserNotFound,
		},
		{
			name: "denied",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{Login: "octocat"}, nil)
				f.On("RemainingQuota").Return(10)
			},
			expectedErr: ErrNotPermitted,
		},
		{
			name: "user lookup rate limited",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{}, fmt.Errorf("failed to fetch user octocat: %w", ErrRateLimited))
			},
			expectedErr: ErrNotPermitted,
		},
		{
			name: "repository listing rate limited",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{Login: "octocat"}, nil)
				f.On("RemainingQuota").Return(5000)
				f.On("FetchRepositories", mock.Anything, "octocat").Return(nil, fmt.Errorf("failed to list repositories for octocat: %w", ErrRateLimited))
			},
			expectedErr: ErrNotPermitted,
		},
		{
			name: "repository listing fails",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{Login: "octocat"}, nil)
				f.On("RemainingQuota").Return(5000)
				f.On("FetchRepositories", mock.Anything, "octocat").Return(nil, errors.New("github api error"))
			},
		},
		{
			name: "cache write fails",
			setup: func(f *mockFetcher, c *memoryCache) {
				f.On("FetchUser", mock.Anything, "octocat").Return(domain.User{Login: "octocat"}, nil)
				f.On("RemainingQuota").Return(5000)
				f.On("FetchRepositories", mock.Anything, "octocat").Return([]domain.Repository{}, nil)
				c.saveErr = errors.New("disk full")
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := new(mockFetcher)
			c := newMemoryCache()
			tc.setup(fetcher, c)

			profile, err := newTestService(fetcher, c, &staticWatchers{}, Policy{FreeRequestsCutoff: intPtr(1000)}).Profile(context.Background(), "octocat")

			assert.Error(t, err)
			assert.Nil(t, profile)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			}
			fetcher.AssertExpectations(t)
		})
	}
}

func TestBuildProfileLimitsTopRepositories(t *testing.T) {
	var repos []domain.Repository
	var commits [][]domain.Commit
	for i := 0; i < 12; i++ {
		repos = append(repos, domain.Repository{Name: string(rune('a' + i)), Language: "Go", Stars: i + 1, Size: 1})
		commits = append(commits, nil)
	}

	profile, outOfRange := BuildProfile(domain.User{CreatedAt: date(2021, time.January, 1)}, repos, commits, date(2021, time.January, 2))

	assert.Zero(t, outOfRange)
	assert.Len(t, profile.RepoStarCount, 10)
	assert.Equal(t, "l", profile.RepoStarCount[0].Key)
	assert.Len(t, profile.RepoCommitCountDescriptions, 10)
	assert.Equal(t, domain.OrderedMap[int]{{Key: "Go", Value: 78}}, profile.LangStarCount)
}
