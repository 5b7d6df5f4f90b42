// Package store persists conversations and completed turns in SQLite.
package store
