// Package storage persists crawl state that should survive restarts.
//
// It currently supports:
//   - Seen keys (request dedup with expiry)
//   - Cached responses
//   - Task outcome journal appends
package storage
