package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/retry"
)

// GitHubHost implements RepoHost using the gh CLI
// Note: Authentication is handled by the gh CLI (via GH_TOKEN env var or gh auth login)
type GitHubHost struct {
	retry retry.Options

	// exec runs one gh invocation; replaced in tests
	exec func(ctx context.Context, args ...string) ([]byte, error)
}

// NewGitHubHost creates a new GitHub host
// The token parameter is kept for interface consistency but authentication
// is handled by the gh CLI itself
func NewGitHubHost(token string, retryCfg config.RetryConfig) *GitHubHost {
	// If a token is provided, set it as an environment variable for gh CLI.
	// Not thread-safe, but host creation happens once during startup.
	if token != "" {
		os.Setenv("GH_TOKEN", token)
	}
	opts := retry.DefaultOptions(retryCfg)
	opts.Classifier = retry.ClassifyHost
	// A zero MaxAttempts would retry forever against the API
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &GitHubHost{retry: opts, exec: execGH}
}

// execGH runs one gh command and returns stdout
func execGH(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, classifyGHError(fmt.Errorf("gh command failed: %w: %s", err, string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

// runGH executes a gh command, retrying transient and rate-limited
// failures. Auth failures and the classified sentinels (not found,
// conflict) surface immediately.
func (g *GitHubHost) runGH(ctx context.Context, args ...string) ([]byte, error) {
	return retry.DoWithResult(ctx, g.retry, func() ([]byte, error) {
		return g.exec(ctx, args...)
	})
}

// classifyGHError wraps gh failures with the package sentinels so
// callers can branch on kind without parsing text
func classifyGHError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "405"),
		strings.Contains(msg, "409"),
		strings.Contains(msg, "not mergeable"),
		strings.Contains(msg, "head branch was modified"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type ghPR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Head   struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	HTMLURL string `json:"html_url"`
}

// GetPR implements RepoHost
func (g *GitHubHost) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d", repo, number))
	if err != nil {
		return nil, err
	}

	var pr ghPR
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse PR: %w", err)
	}

	return &PR{
		Number:  pr.Number,
		Title:   pr.Title,
		State:   pr.State,
		Merged:  pr.Merged,
		HeadSHA: pr.Head.SHA,
		HeadRef: pr.Head.Ref,
		BaseRef: pr.Base.Ref,
		HTMLURL: pr.HTMLURL,
	}, nil
}

type ghPRFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ListPRFiles implements RepoHost
func (g *GitHubHost) ListPRFiles(ctx context.Context, repo string, number int) ([]PRFile, error) {
	out, err := g.runGH(ctx, "api", "--paginate", fmt.Sprintf("repos/%s/pulls/%d/files", repo, number))
	if err != nil {
		return nil, err
	}

	var files []ghPRFile
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, fmt.Errorf("failed to parse PR files: %w", err)
	}

	result := make([]PRFile, len(files))
	for i, f := range files {
		result[i] = PRFile{Filename: f.Filename, Status: f.Status, Additions: f.Additions, Deletions: f.Deletions}
	}
	return result, nil
}

// MergePR implements RepoHost
func (g *GitHubHost) MergePR(ctx context.Context, repo string, number int, method string) (string, error) {
	if method == "" {
		method = MergeMethodSquash
	}
	out, err := g.runGH(ctx, "api", "-X", "PUT",
		fmt.Sprintf("repos/%s/pulls/%d/merge", repo, number),
		"-f", "merge_method="+method)
	if err != nil {
		return "", err
	}

	var result struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("failed to parse merge result: %w", err)
	}
	if !result.Merged {
		return "", fmt.Errorf("%w: merge was not performed", ErrConflict)
	}
	return result.SHA, nil
}

// DeleteRef implements RepoHost
func (g *GitHubHost) DeleteRef(ctx context.Context, repo, ref string) error {
	_, err := g.runGH(ctx, "api", "-X", "DELETE",
		fmt.Sprintf("repos/%s/git/refs/%s", repo, ref))
	return err
}

// GetRef implements RepoHost
func (g *GitHubHost) GetRef(ctx context.Context, repo, ref string) (string, error) {
	out, err := g.runGH(ctx, "api", fmt.Sprintf("repos/%s/git/ref/%s", repo, ref))
	if err != nil {
		return "", err
	}

	var result struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("failed to parse ref: %w", err)
	}
	return result.Object.SHA, nil
}

// CreateReview implements RepoHost. GitHub rejects APPROVE and
// REQUEST_CHANGES on the token's own PRs with a 422; those fall back
// to COMMENT so the review body is never lost.
func (g *GitHubHost) CreateReview(ctx context.Context, repo string, number int, commitID, body string, event ReviewEvent) error {
	err := g.postReview(ctx, repo, number, commitID, body, event)
	if err == nil {
		return nil
	}

	if event != ReviewComment && isOwnPRError(err) {
		return g.postReview(ctx, repo, number, commitID, body, ReviewComment)
	}
	return err
}

func (g *GitHubHost) postReview(ctx context.Context, repo string, number int, commitID, body string, event ReviewEvent) error {
	args := []string{"api", "-X", "POST",
		fmt.Sprintf("repos/%s/pulls/%d/reviews", repo, number),
		"-f", "event=" + string(event),
		"-f", "body=" + body,
	}
	if commitID != "" {
		args = append(args, "-f", "commit_id="+commitID)
	}
	_, err := g.runGH(ctx, args...)
	return err
}

func isOwnPRError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "422") ||
		strings.Contains(msg, "can not approve your own pull request") ||
		strings.Contains(msg, "can not request changes on your own pull request")
}
