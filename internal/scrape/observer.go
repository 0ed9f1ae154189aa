package scrape

import "time"

// CacheResult classifies how a Get was answered.
type CacheResult string

const (
	// CacheHit means a fresh entry was served without refreshing.
	CacheHit CacheResult = "hit"
	// CacheMiss means the caller started a refresh and received its result.
	CacheMiss CacheResult = "miss"
	// CacheShared means the caller received the result of a refresh it shared with others.
	CacheShared CacheResult = "shared"
	// CacheStale means the caller received stale data.
	CacheStale CacheResult = "stale"
)

// Observer receives coordinator events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	CacheResult(target string, result CacheResult)
	RefreshCompleted(target string, duration time.Duration, err error)
	InvalidMetrics(target string, count int)
}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (m MultiObserver) CacheResult(target string, result CacheResult) {
	for _, o := range m {
		o.CacheResult(target, result)
	}
}

func (m MultiObserver) RefreshCompleted(target string, duration time.Duration, err error) {
	for _, o := range m {
		o.RefreshCompleted(target, duration, err)
	}
}

func (m MultiObserver) InvalidMetrics(target string, count int) {
	for _, o := range m {
		o.InvalidMetrics(target, count)
	}
}

type nopObserver struct{}

func (nopObserver) CacheResult(string, CacheResult)                {}
func (nopObserver) RefreshCompleted(string, time.Duration, error) {}
func (nopObserver) InvalidMetrics(string, int)                    {}
