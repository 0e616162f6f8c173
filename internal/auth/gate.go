package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/campuschat/internal/store"
)

// ErrForbidden is returned for every refused admission. Callers close the
// connection with a forbidden status and must not touch the room registry.
var ErrForbidden = errors.New("forbidden")

// Identity is the user a connection was admitted as.
type Identity struct {
	UserID int64
	Email  string
}

// Gate admits chat connections by validating their credential and resolving
// the subject against the user store.
type Gate struct {
	jwt   *JWTConfig
	users store.UserStore
}

// NewGate creates a handshake gate.
func NewGate(jwtConfig *JWTConfig, users store.UserStore) *Gate {
	return &Gate{jwt: jwtConfig, users: users}
}

// Admit resolves credential to an identity allowed to join roomID.
func (g *Gate) Admit(ctx context.Context, credential string, roomID int64) (Identity, error) {
	if roomID <= 0 {
		return Identity{}, fmt.Errorf("%w: invalid room id %d", ErrForbidden, roomID)
	}
	return g.Resolve(ctx, credential)
}

// Resolve validates credential and loads the user it names.
func (g *Gate) Resolve(ctx context.Context, credential string) (Identity, error) {
	userID, err := ValidateToken(g.jwt, credential)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}

	user, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: resolve user %d: %v", ErrForbidden, userID, err)
	}
	if !user.IsActive {
		return Identity{}, fmt.Errorf("%w: user %d is inactive", ErrForbidden, userID)
	}

	return Identity{UserID: user.ID, Email: user.Email}, nil
}
