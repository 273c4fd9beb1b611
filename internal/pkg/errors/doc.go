// Package errors provides application error types for the cookbooks.
//
// This package defines:
//   - AppError type with error classification
//   - Error constructors for common error types
//   - Error type checking helpers
//   - Mapping of upstream HTTP statuses (providers, Maxim API) onto codes
//
// # Error Types
//
//   - MissingConfig: a required environment variable or config key is unset
//   - Validation: invalid input data
//   - Unauthorized: rejected credentials upstream (401/403)
//   - RateLimited: upstream throttling (429)
//   - Upstream: provider or Maxim API failure (5xx)
//   - Interrupted: graph execution paused for human input
//
// # Usage
//
//	return apperrors.MissingConfig("OPENAI_API_KEY")
//	return apperrors.FromStatus("openai", resp.StatusCode, body)
//
// Check error types:
//
//	if apperrors.IsInterrupted(err) {
//	    // ask for authorization and resume
//	}
package errors
