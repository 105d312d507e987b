package queryable

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/keybridge/errors"
)

// Handle correlates a pipeline response with the request it answers. Handles are
// opaque; they are only created by the engine and parsed back from their text form.
type Handle struct {
	id uuid.UUID
}

func newHandle() Handle {
	return Handle{id: uuid.New()}
}

// ParseHandle parses the text form of a handle. Text that cannot be a handle is
// reported as an unknown query.
func ParseHandle(s string) (Handle, error) {
	if s == "" {
		return Handle{}, errors.WrapInvalid(errors.ErrMissingQueryID, "queryable", "ParseHandle", "parse query id")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return Handle{}, errors.WrapInvalid(
			fmt.Errorf("%w: malformed query id %q", errors.ErrQueryNotFound, s),
			"queryable", "ParseHandle", "parse query id")
	}
	return Handle{id: id}, nil
}

// String returns the text form of the handle.
func (h Handle) String() string {
	return h.id.String()
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool {
	return h.id == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
