// Package datasetwatcher periodically fetches a keyed record set from one
// or more HTTP endpoints, diffs it against the previous snapshot, and
// calls back with what changed. It generalizes the fetch/diff/notify loop
// the teacher's RTR server used to keep its ROA cache current.
package datasetwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one entry in the watched dataset, keyed for diffing.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// OnChange is called whenever a poll finds a non-empty diff.
type OnChange func(added, removed []Record)

// Watcher polls a set of URLs, each expected to return a JSON array of
// Record, merges them, and diffs against the last successful snapshot.
type Watcher struct {
	log    *zap.SugaredLogger
	client *http.Client
	urls   []string

	mu       sync.Mutex
	snapshot map[string]Record
}

// New constructs a Watcher over the given URLs.
func New(log *zap.SugaredLogger, client *http.Client, urls []string) *Watcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Watcher{log: log, client: client, urls: urls, snapshot: make(map[string]Record)}
}

// Poll fetches every configured URL concurrently, merges the results by
// key, and diffs against the previous snapshot. On success it updates the
// snapshot and returns the added/removed records.
func (w *Watcher) Poll(ctx context.Context) (added, removed []Record, err error) {
	merged, err := w.fetchAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	added, removed = diff(w.snapshot, merged)
	w.snapshot = merged
	w.mu.Unlock()

	return added, removed, nil
}

func (w *Watcher) fetchAll(ctx context.Context) (map[string]Record, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		merged  = make(map[string]Record)
		firstErr error
	)

	for _, url := range w.urls {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := w.fetchOne(ctx, url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("datasetwatcher: fetch %s: %w", url, err)
				}
				return
			}
			for _, r := range records {
				merged[r.Key] = r
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

func (w *Watcher) fetchOne(ctx context.Context, url string) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return records, nil
}

func diff(old, cur map[string]Record) (added, removed []Record) {
	for k, r := range cur {
		if _, ok := old[k]; !ok {
			added = append(added, r)
		}
	}
	for k, r := range old {
		if _, ok := cur[k]; !ok {
			removed = append(removed, r)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Key < added[j].Key })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	return added, removed
}

// Run ticks every interval, polling and invoking onChange whenever the
// diff is non-empty. It returns when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, onChange OnChange) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, removed, err := w.Poll(ctx)
			if err != nil {
				if w.log != nil {
					w.log.Warnw("datasetwatcher: poll failed", "error", err)
				}
				continue
			}
			if len(added) > 0 || len(removed) > 0 {
				onChange(added, removed)
			}
		}
	}
}
