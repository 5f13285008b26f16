package hosting

import (
	"context"
	"fmt"
	"sync"
)

// MockRepoHost is an in-memory RepoHost for testing
type MockRepoHost struct {
	mu sync.Mutex

	// PRs maps PR number to its current state
	PRs map[int]*PR

	// Files maps PR number to its changed files
	Files map[int][]PRFile

	// Refs maps ref name to commit sha
	Refs map[string]string

	// Error overrides per operation
	GetPRError        error
	MergeError        error
	DeleteRefError    error
	GetRefError       error
	CreateReviewError error

	// MergeSHA is returned on successful merges
	MergeSHA string

	// OwnPR makes APPROVE and REQUEST_CHANGES fail like GitHub does on
	// the token's own pull requests
	OwnPR bool

	// Call tracking
	MergeCalls     []MergeCall
	DeleteRefCalls []string
	ReviewCalls    []ReviewCall
}

// MergeCall records a MergePR invocation
type MergeCall struct {
	Repo   string
	Number int
	Method string
}

// ReviewCall records a CreateReview invocation
type ReviewCall struct {
	Number int
	Body   string
	Event  ReviewEvent
}

// NewMockRepoHost creates an empty mock host
func NewMockRepoHost() *MockRepoHost {
	return &MockRepoHost{
		PRs:      make(map[int]*PR),
		Files:    make(map[int][]PRFile),
		Refs:     make(map[string]string),
		MergeSHA: "merged-sha",
	}
}

// AddPR registers a PR on the mock
func (m *MockRepoHost) AddPR(pr *PR) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PRs[pr.Number] = pr
}

// GetPR implements RepoHost
func (m *MockRepoHost) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetPRError != nil {
		return nil, m.GetPRError
	}
	pr, ok := m.PRs[number]
	if !ok {
		return nil, fmt.Errorf("%w: PR #%d", ErrNotFound, number)
	}
	cp := *pr
	return &cp, nil
}

// ListPRFiles implements RepoHost
func (m *MockRepoHost) ListPRFiles(ctx context.Context, repo string, number int) ([]PRFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Files[number], nil
}

// MergePR implements RepoHost
func (m *MockRepoHost) MergePR(ctx context.Context, repo string, number int, method string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MergeCalls = append(m.MergeCalls, MergeCall{Repo: repo, Number: number, Method: method})
	if m.MergeError != nil {
		return "", m.MergeError
	}
	if pr, ok := m.PRs[number]; ok {
		pr.Merged = true
		pr.State = "closed"
	}
	return m.MergeSHA, nil
}

// DeleteRef implements RepoHost
func (m *MockRepoHost) DeleteRef(ctx context.Context, repo, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteRefCalls = append(m.DeleteRefCalls, ref)
	if m.DeleteRefError != nil {
		return m.DeleteRefError
	}
	delete(m.Refs, ref)
	return nil
}

// GetRef implements RepoHost
func (m *MockRepoHost) GetRef(ctx context.Context, repo, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetRefError != nil {
		return "", m.GetRefError
	}
	sha, ok := m.Refs[ref]
	if !ok {
		return "", fmt.Errorf("%w: ref %s", ErrNotFound, ref)
	}
	return sha, nil
}

// CreateReview implements RepoHost
func (m *MockRepoHost) CreateReview(ctx context.Context, repo string, number int, commitID, body string, event ReviewEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateReviewError != nil {
		return m.CreateReviewError
	}
	if m.OwnPR && event != ReviewComment {
		event = ReviewComment
	}
	m.ReviewCalls = append(m.ReviewCalls, ReviewCall{Number: number, Body: body, Event: event})
	return nil
}

// MockTokenProvider is an in-memory TokenProvider for testing
type MockTokenProvider struct {
	mu sync.Mutex

	Token           Token
	TokenError      error
	EnsureError     error
	EnsureCallCount int
}

// TokenFor implements TokenProvider
func (m *MockTokenProvider) TokenFor(ctx context.Context, projectID string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TokenError != nil {
		return Token{}, m.TokenError
	}
	return m.Token, nil
}

// EnsureValid implements TokenProvider
func (m *MockTokenProvider) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsureCallCount++
	return m.EnsureError
}
