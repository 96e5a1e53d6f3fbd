package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/users"
)

var (
	ErrAuthenticationRequired = errors.New("auth: authentication required")
	ErrTokenExpired           = errors.New("auth: token expired")
	ErrInvalidToken           = errors.New("auth: invalid token")
	ErrUserInactive           = errors.New("auth: user not found or inactive")
	ErrIdentityUnavailable    = errors.New("auth: identity store unavailable")
)

// Identity is the authenticated principal attached to a connection for its lifetime.
type Identity struct {
	UserID    int64
	TenantID  int64
	Role      string
	Username  string
	FirstName string
	LastName  string
}

// DisplayName renders the name shown to other tenant members.
func (i Identity) DisplayName() string {
	name := i.FirstName
	if i.LastName != "" {
		if name != "" {
			name += " "
		}
		name += i.LastName
	}
	if name == "" {
		return i.Username
	}
	return name
}

// IdentityStore resolves a credential subject to an active user.
type IdentityStore interface {
	FindActiveUser(ctx context.Context, userID int64) (users.User, error)
}

// ConnectionAuthenticator turns a presented credential into an Identity.
type ConnectionAuthenticator struct {
	validator *SessionValidator
	store     IdentityStore
}

// NewConnectionAuthenticator constructs an authenticator.
func NewConnectionAuthenticator(validator *SessionValidator, store IdentityStore) (*ConnectionAuthenticator, error) {
	if validator == nil {
		return nil, errors.New("auth: session validator required")
	}
	if store == nil {
		return nil, errors.New("auth: identity store required")
	}
	return &ConnectionAuthenticator{validator: validator, store: store}, nil
}

// Authenticate validates credential and loads the user it names. The user must be active,
// belong to an active tenant, and belong to the tenant named in the credential.
func (a *ConnectionAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	claims, err := a.validator.ValidateToken(credential)
	switch {
	case errors.Is(err, ErrMissingSessionToken):
		return Identity{}, ErrAuthenticationRequired
	case errors.Is(err, ErrExpiredSessionToken):
		return Identity{}, ErrTokenExpired
	case err != nil:
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := a.store.FindActiveUser(ctx, claims.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		return Identity{}, ErrUserInactive
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if user.TenantID != claims.TenantID {
		return Identity{}, ErrUserInactive
	}

	return Identity{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		Role:      string(user.Role),
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}, nil
}

// Reason maps an authentication error onto the text shown to the client.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "Authentication required"
	case errors.Is(err, ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, ErrUserInactive):
		return "User not found or inactive"
	case errors.Is(err, ErrIdentityUnavailable):
		return "Authentication unavailable"
	default:
		return "Invalid token"
	}
}
