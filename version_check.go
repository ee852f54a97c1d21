package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

const (
	releasesURL = "https://api.github.com/repos/oszuidwest/zwfm-tabboost/releases/latest"

	releaseCheckInterval = 24 * time.Hour
	releaseCheckDelay    = 30 * time.Second
	releaseCheckTimeout  = 30 * time.Second
	releaseCheckAttempts = 3
)

// errReleaseRateLimited reports a 403 or 429 from the release API.
var errReleaseRateLimited = errors.New("release API rate limited")

// release is the subset of a GitHub release we read.
type release struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// VersionChecker polls the release feed of the coordinator and reports
// whether a newer build exists. Safe for concurrent use.
type VersionChecker struct {
	url     string
	current string
	client  *http.Client
	clock   clockwork.Clock

	mu     sync.RWMutex
	latest string
	etag   string
}

// NewVersionChecker returns a VersionChecker for the running build. An empty
// url disables polling.
func NewVersionChecker(url string, clock clockwork.Clock) *VersionChecker {
	return &VersionChecker{
		url:     url,
		current: Version,
		client:  &http.Client{Timeout: releaseCheckTimeout},
		clock:   clock,
	}
}

// Run polls once after a startup delay and then daily until ctx is done.
func (vc *VersionChecker) Run(ctx context.Context) {
	if vc.url == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("release checker panicked", "panic", r)
		}
	}()

	wait := vc.clock.After(releaseCheckDelay)
	ticker := vc.clock.NewTicker(releaseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wait:
			wait = nil
		case <-ticker.Chan():
		case <-ctx.Done():
			return
		}
		vc.poll(ctx)
	}
}

func (vc *VersionChecker) poll(ctx context.Context) {
	backoff := util.NewBackoff(time.Minute, 4*time.Minute)
	err := util.Retry(ctx, vc.clock, releaseCheckAttempts, backoff, func(attempt int) error {
		err := vc.check(ctx)
		if err != nil {
			slog.Debug("release check failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		slog.Info("giving up on release check", "error", err)
	}
}

// check fetches the latest release once. A nil error means there is nothing
// to retry, including when the release is unchanged or absent.
func (vc *VersionChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.url, http.NoBody)
	if err != nil {
		return util.WrapError("build release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-tabboost/"+vc.current)
	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return util.WrapError("fetch latest release", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch code := resp.StatusCode; {
	case code == http.StatusNotModified, code == http.StatusNotFound:
		return nil
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return errReleaseRateLimited
	case code >= 500:
		return fmt.Errorf("release API returned %d", code)
	case code != http.StatusOK:
		slog.Warn("unexpected release API status", "status", code)
		return nil
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return util.WrapError("decode release", err)
	}
	if rel.Draft || rel.Prerelease {
		return nil
	}
	if rel.TagName == "" {
		return errors.New("release has no tag")
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.latest = normalizeVersion(rel.TagName)
	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.etag = etag
	}
	return nil
}

// Info returns the running and latest known versions.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	latest := vc.latest
	vc.mu.RUnlock()

	current := normalizeVersion(vc.current)
	return types.VersionInfo{
		Current:     current,
		Latest:      latest,
		UpdateAvail: latest != "" && current != "dev" && isNewerVersion(latest, current),
		Commit:      Commit,
		BuildTime:   BuildTime,
	}
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest sorts after current. Versions may
// carry a leading "v".
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
