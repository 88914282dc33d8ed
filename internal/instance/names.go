package instance

import "github.com/google/uuid"

// NewInstanceName returns prefix followed by a random UUID, so concurrent
// runs never collide on a name
func NewInstanceName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
