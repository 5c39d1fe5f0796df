package roomid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Room ids look like knot_{content_key}_{random}_{unix_seconds}.
const (
	Prefix    = "knot"
	Delimiter = "_"

	randomLen = 8
)

var (
	// ErrMalformed is returned for ids that do not follow the room id format.
	ErrMalformed = errors.New("malformed room id")
	// ErrInvalidContentKey is returned when a content key cannot be embedded in a room id.
	ErrInvalidContentKey = errors.New("invalid content key")
)

// Allocator generates room identifiers from a content key.
type Allocator struct {
	clock clockwork.Clock
}

// NewAllocator creates an allocator stamping ids with the given clock.
func NewAllocator(clock clockwork.Clock) *Allocator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Allocator{clock: clock}
}

// New allocates a fresh room id for contentKey.
func (a *Allocator) New(contentKey string) (string, error) {
	if err := ValidateContentKey(contentKey); err != nil {
		return "", err
	}
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:randomLen]
	ts := strconv.FormatInt(a.clock.Now().Unix(), 10)
	return strings.Join([]string{Prefix, contentKey, random, ts}, Delimiter), nil
}

// ValidateContentKey reports whether contentKey can be carried in a room id.
func ValidateContentKey(contentKey string) error {
	if contentKey == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContentKey)
	}
	if strings.IndexFunc(contentKey, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidContentKey)
	}
	return nil
}

// Validate rejects ids that were not produced by an Allocator.
func Validate(id string) error {
	_, err := parse(id)
	return err
}

// ContentKey extracts the content key a room id was allocated for.
func ContentKey(id string) (string, error) {
	return parse(id)
}

func parse(id string) (string, error) {
	parts := strings.Split(id, Delimiter)
	if len(parts) < 4 || parts[0] != Prefix {
		return "", ErrMalformed
	}

	ts := parts[len(parts)-1]
	random := parts[len(parts)-2]
	if len(random) != randomLen || !isHex(random) {
		return "", fmt.Errorf("%w: bad random component", ErrMalformed)
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrMalformed)
	}

	// content keys may themselves contain the delimiter
	contentKey := strings.Join(parts[1:len(parts)-2], Delimiter)
	if ValidateContentKey(contentKey) != nil {
		return "", fmt.Errorf("%w: bad content key", ErrMalformed)
	}
	return contentKey, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
