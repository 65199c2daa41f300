package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-]`)

var (
	entropyMu   sync.Mutex
	ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)
)

// Sanitize lowercases base and replaces anything outside [a-z0-9-] with '-'.
func Sanitize(base, fallback string) string {
	base = strings.TrimSpace(base)
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	base = sessionNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		return fallback
	}
	return base
}

// GenerateSessionID returns a unique, time-sortable ID using the provided
// base name, e.g. "trace-01j9...".
func GenerateSessionID(base string) string {
	base = Sanitize(base, "session")

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	entropyMu.Unlock()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}

// NewTaskID returns a random task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// TaskIDFor keeps a caller-supplied id when it is non-empty.
func TaskIDFor(requested string) string {
	if id := strings.TrimSpace(requested); id != "" {
		return id
	}
	return NewTaskID()
}
