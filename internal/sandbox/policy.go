package sandbox

import "time"

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxMemory  string        // Docker memory limit (e.g. "512m")
	MaxTimeout time.Duration // Maximum execution time
	Network    bool          // Whether network access is allowed
	Images     []string      // Allowed Docker images
}

// DefaultPolicy returns safe defaults for running workflow code.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory:  "512m",
		MaxTimeout: 10 * time.Minute,
		Network:    false,
		Images: []string{
			"python:3.12-slim",
			"python:3.11-slim",
		},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// Timeout clamps a requested timeout to the policy maximum.
func (p Policy) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 || (p.MaxTimeout > 0 && requested > p.MaxTimeout) {
		return p.MaxTimeout
	}
	return requested
}
