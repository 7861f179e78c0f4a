package ids

import "github.com/google/uuid"

// NewConnID returns the socket identifier handed to a client in
// connection_established. Random UUIDs keep ids unguessable across nodes
// without coordination.
func NewConnID() string {
	return uuid.New().String()
}

// NewTokenID returns the jti for a one-time upgrade token.
func NewTokenID() string {
	return uuid.New().String()
}
