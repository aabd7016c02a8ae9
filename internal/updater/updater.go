// Package updater checks GitHub for a newer release of the server.
//
// The check is best effort: callers print a notice when a newer release
// exists and carry on otherwise.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ONSdigital/log.go/v2/log"
	"golang.org/x/mod/semver"
)

const (
	// githubRepo is the repository path for API calls.
	githubRepo = "HendryAvila/datacommons-mcp"

	// releaseURL is the GitHub API endpoint for the latest release.
	releaseURL = "https://api.github.com/repos/" + githubRepo + "/releases/latest"

	checkTimeout = 10 * time.Second
)

// For testing: allow overriding the release URL and HTTP client.
var (
	releaseEndpoint = releaseURL
	httpClient      = &http.Client{Timeout: checkTimeout}
)

// ReleaseInfo holds the relevant fields from a GitHub release.
type ReleaseInfo struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result is the outcome of a release check.
type Result struct {
	// CurrentVersion is the running version without a leading "v".
	CurrentVersion string
	LatestVersion  string
	// UpdateAvailable is true when latest > current. A development build
	// never reports an update.
	UpdateAvailable bool
	ReleaseURL      string
}

// Check queries GitHub for the latest release and compares it with
// currentVersion.
func Check(ctx context.Context, currentVersion string) (*Result, error) {
	result := &Result{CurrentVersion: normalizeVersion(currentVersion)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseEndpoint, nil)
	if err != nil {
		return result, fmt.Errorf("building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "datacommons-mcp/"+result.CurrentVersion)

	resp, err := httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("fetching latest release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("fetching latest release: status %d", resp.StatusCode)
	}

	var release ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return result, fmt.Errorf("decoding latest release: %w", err)
	}

	result.LatestVersion = normalizeVersion(release.TagName)
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = isNewer(result.CurrentVersion, result.LatestVersion)
	return result, nil
}

// Notify runs Check and logs a warning when a newer release exists.
// Failures are logged at info level and otherwise ignored.
func Notify(ctx context.Context, currentVersion string) {
	res, err := Check(ctx, currentVersion)
	if err != nil {
		log.Info(ctx, "release check skipped", log.Data{"error": err.Error()})
		return
	}
	if res.UpdateAvailable {
		log.Warn(ctx, "a newer release is available", log.Data{
			"current": res.CurrentVersion,
			"latest":  res.LatestVersion,
			"url":     res.ReleaseURL,
		})
	}
}

// normalizeVersion strips one leading "v".
func normalizeVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isNewer reports whether latest is a higher semantic version than
// current. Unparseable versions, including "dev", are never newer.
func isNewer(current, latest string) bool {
	c, l := "v"+current, "v"+latest
	if !semver.IsValid(c) || !semver.IsValid(l) {
		return false
	}
	return semver.Compare(l, c) > 0
}
