// Package github reads evidence documents from a GitHub repository directory.
package github

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// Client wraps the GitHub API client with rate limiting support
type Client struct {
	*github.Client
}

// NewClient creates a GitHub client that waits out primary and secondary
// rate limits. An empty token yields an unauthenticated client.
func NewClient(token string) (*Client, error) {
	return newClient(nil, token, "")
}

// NewClientWithBaseURL is NewClient against a GitHub Enterprise or test
// endpoint, sending requests through transport.
func NewClientWithBaseURL(transport http.RoundTripper, token, baseURL string) (*Client, error) {
	return newClient(transport, token, baseURL)
}

func newClient(transport http.RoundTripper, token, baseURL string) (*Client, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(transport)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	ghClient := github.NewClient(rateLimiter)
	if token != "" {
		ghClient = ghClient.WithAuthToken(token)
	}

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		ghClient.BaseURL = u
	}

	return &Client{Client: ghClient}, nil
}
