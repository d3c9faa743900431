package interfaces

import "errors"

// ErrNotAuthenticated is returned when no identity is given and no
// IdentityProvider can supply one.
var ErrNotAuthenticated = errors.New("no authenticated user")
