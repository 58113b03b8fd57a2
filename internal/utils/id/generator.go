package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return newIdentifier("session")
}

// NewExecutionID generates an identifier for a tool execution.
func NewExecutionID() string {
	return newIdentifier("exec")
}

// NewPermissionID generates an identifier for a permission request.
func NewPermissionID() string {
	return newIdentifier("perm")
}

// NewPreviewID generates an identifier for a preview artifact.
func NewPreviewID() string {
	return newIdentifier("preview")
}

func newIdentifier(prefix string) string {
	// UUIDv7 keeps identifiers time-ordered for log and directory listings.
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	}
	return fmt.Sprintf("%s-%s", prefix, uuidv7.String())
}
