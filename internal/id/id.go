// Package id generates task identifiers.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTaskID returns a time-ordered UUIDv7 string for a crawl task.
func NewTaskID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return u.String(), nil
}
