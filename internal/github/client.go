// Package github provides GitHub API integration: fetching a script to
// repair from a repository, and publishing a repaired script as a gist.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// Client wraps the GitHub API for ScriptFix operations.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client. An empty token gives unauthenticated
// access, which is enough for public repositories.
func NewClient(token string) *Client {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh}
}

// GetFile fetches the contents of a file from a repository.
// ref may be a branch, tag, or commit SHA; empty means the default branch.
func (c *Client) GetFile(ctx context.Context, repoFullName, path, ref string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	var opts *gogh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gogh.RepositoryContentGetOptions{Ref: ref}
	}

	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return "", fmt.Errorf("fetching %s from %s: %w", path, repoFullName, err)
	}
	if file == nil {
		return "", fmt.Errorf("%s in %s is a directory, not a file", path, repoFullName)
	}

	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return content, nil
}

// CreateGist publishes a repaired script as a secret gist and returns its URL.
func (c *Client) CreateGist(ctx context.Context, filename, content, description string) (string, error) {
	gist, _, err := c.gh.Gists.Create(ctx, &gogh.Gist{
		Description: gogh.Ptr(description),
		Public:      gogh.Ptr(false),
		Files: map[gogh.GistFilename]gogh.GistFile{
			gogh.GistFilename(filename): {Content: gogh.Ptr(content)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating gist: %w", err)
	}
	return gist.GetHTMLURL(), nil
}

// SplitSourceRef parses "owner/repo/path/to/script.py[@ref]" into its parts.
func SplitSourceRef(s string) (repo, path, ref string, err error) {
	if at := strings.LastIndex(s, "@"); at >= 0 {
		ref = s[at+1:]
		s = s[:at]
	}
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid GitHub source %q, expected \"owner/repo/path\"", s)
	}
	return parts[0] + "/" + parts[1], parts[2], ref, nil
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
