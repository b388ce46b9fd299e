package endpoint

import (
	"github.com/mattjoyce/loopback/internal/task"
)

// Provenance selects how the Referer header is matched against the base URL.
type Provenance string

const (
	// ProvenanceExact requires the same scheme and host (case-insensitive)
	// and a path at or below the base path.
	ProvenanceExact Provenance = "exact"

	// ProvenanceSubstring accepts any referer containing the base URL,
	// case-insensitively. Weaker; kept for compatibility with older senders.
	ProvenanceSubstring Provenance = "substring"
)

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
)

// TaskResolver looks up task kinds. *task.Registry satisfies it.
type TaskResolver interface {
	Lookup(name string) (*task.Descriptor, bool)
	Resolve(name string, argc int) (*task.Descriptor, error)
}

// Publisher receives lifecycle events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config holds endpoint settings.
type Config struct {
	// BaseURL is the application's own address; the provenance check compares against it.
	BaseURL string

	// Path is where Register mounts the handler (default protocol.DefaultPath).
	Path string

	// Provenance selects the referer matching mode (default exact).
	Provenance Provenance

	// MaxBodySize is the maximum accepted request body in bytes (default: 1MB).
	MaxBodySize int64
}
