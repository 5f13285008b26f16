// Package hosting abstracts the version-control host. Stages and the
// merge coordinator talk to a RepoHost; tokens come from a
// TokenProvider. Both have in-memory fakes for tests.
package hosting

import (
	"context"
	"errors"
)

// Sentinel failures surfaced by RepoHost implementations
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
)

// PR is a pull request as seen by the core
type PR struct {
	Number  int
	Title   string
	State   string
	Merged  bool
	HeadSHA string
	HeadRef string
	BaseRef string
	HTMLURL string
}

// PRFile is one changed file in a pull request
type PRFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
}

// ReviewEvent is the kind of review posted on a PR
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewComment        ReviewEvent = "COMMENT"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
)

// MergeMethodSquash is the only merge method the pipeline uses
const MergeMethodSquash = "squash"

// RepoHost defines the narrow host capability used by the core
type RepoHost interface {
	GetPR(ctx context.Context, repo string, number int) (*PR, error)
	ListPRFiles(ctx context.Context, repo string, number int) ([]PRFile, error)

	// MergePR merges with the given method and returns the merge
	// commit sha
	MergePR(ctx context.Context, repo string, number int, method string) (string, error)

	// DeleteRef deletes a branch ref, e.g. "heads/proposals/x"
	DeleteRef(ctx context.Context, repo, ref string) error

	// GetRef resolves a ref to its commit sha
	GetRef(ctx context.Context, repo, ref string) (string, error)

	// CreateReview posts a review. Implementations must fall back to
	// COMMENT when the token cannot APPROVE or REQUEST_CHANGES its own
	// author's PR.
	CreateReview(ctx context.Context, repo string, number int, commitID, body string, event ReviewEvent) error
}

// Token is a host credential scoped to one repository
type Token struct {
	Value   string
	RepoRef string
}

// TokenProvider supplies host credentials. Tokens expire in hours, so
// stages request a fresh token before any push or merge.
type TokenProvider interface {
	TokenFor(ctx context.Context, projectID string) (Token, error)

	// EnsureValid refreshes the underlying credential if it is close
	// to expiry
	EnsureValid(ctx context.Context) error
}
