// Package watchers keeps the set of users known to have starred the target
// repository. The set only grows: upstream unstars are never observed, so the
// index can be stale in the generous direction.
package watchers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// PageSize is the number of stargazers requested per upstream page.
	PageSize = 100

	maxConcurrentPages = 4
)

// Source reads the target repository's stargazers upstream.
type Source interface {
	StargazerCount(ctx context.Context) (int, error)
	StargazerPage(ctx context.Context, page, perPage int) ([]string, error)
}

// Index is an incrementally synced set of lower-cased usernames.
type Index struct {
	source Source
	logger *slog.Logger

	mu      sync.RWMutex
	members map[string]struct{}

	syncs singleflight.Group
}

// New creates an empty Index reading from source.
func New(source Source, logger *slog.Logger) *Index {
	return &Index{
		source:  source,
		logger:  logger,
		members: make(map[string]struct{}),
	}
}

// Len is the number of known members.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.members)
}

func (i *Index) contains(login string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.members[login]
	return ok
}

func (i *Index) add(logins []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, login := range logins {
		i.members[strings.ToLower(login)] = struct{}{}
	}
}

// HasMember reports whether username has starred the target repository. A
// known member is answered without any upstream call; otherwise the index is
// synced first. Sync failures read as "not a member".
func (i *Index) HasMember(ctx context.Context, username string) bool {
	login := strings.ToLower(username)
	if i.contains(login) {
		return true
	}
	if err := i.Sync(ctx); err != nil {
		i.logger.Info("watcher sync failed", "err", err)
	}
	return i.contains(login)
}

// Sync fetches the pages that can hold stargazers not yet in the index.
// Concurrent calls share one sync, which is not cancelled with the caller
// that started it. Only a failure to read the upstream count is returned;
// failed pages are logged and skipped.
func (i *Index) Sync(ctx context.Context) error {
	shared := context.WithoutCancel(ctx)
	_, err, _ := i.syncs.Do("sync", func() (interface{}, error) {
		return nil, i.sync(shared)
	})
	return err
}

func (i *Index) sync(ctx context.Context) error {
	known := i.Len()
	upstream, err := i.source.StargazerCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watcher count: %w", err)
	}
	startPage, lastPage, ok := PageRange(known, upstream, PageSize)
	if !ok {
		i.logger.Debug("watcher index up to date", "known", known, "upstream", upstream)
		return nil
	}
	i.logger.Info("syncing watchers", "known", known, "upstream", upstream, "start_page", startPage, "last_page", lastPage)

	if startPage == lastPage {
		i.fetchPage(ctx, lastPage)
		return nil
	}
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPages)
	for page := startPage; page <= lastPage; page++ {
		eg.Go(func() error {
			i.fetchPage(ctx, page)
			return nil
		})
	}
	return eg.Wait()
}

func (i *Index) fetchPage(ctx context.Context, page int) {
	logins, err := i.source.StargazerPage(ctx, page, PageSize)
	if err != nil {
		i.logger.Info("failed to fetch watcher page", "page", page, "err", err)
		return
	}
	i.add(logins)
}

// PageRange returns the 1-based inclusive page range to fetch when the index
// knows `known` members and the upstream count is `upstream`. ok is false when the
// index is considered up to date.
func PageRange(known, upstream, pageSize int) (startPage, lastPage int, ok bool) {
	if known >= upstream {
		return 0, 0, false
	}
	return known/pageSize + 1, upstream/pageSize + 1, true
}
