package npdc

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/pkg/errors"
)

// Account is an authenticated session with the dataset service.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Token       string `json:"token"`
	AccessLevel string `json:"accessLevel,omitempty"`
}

// AuthClient talks to the auth entrypoint.
type AuthClient struct {
	rest restClient
}

// NewAuthClient creates a client for the given auth entrypoint.
func NewAuthClient(entrypoint string, opts ...Option) (*AuthClient, error) {
	rest, err := newRESTClient(entrypoint, opts)
	if err != nil {
		return nil, err
	}
	return &AuthClient{rest: rest}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges a username and password for an account. Any failure is
// an AuthError.
func (c *AuthClient) Login(ctx context.Context, username, password string) (*Account, error) {
	if username == "" || password == "" {
		return nil, errors.AuthError{Err: errors.New("username and password are required")}
	}

	var account Account
	err := c.rest.doJSON(ctx, http.MethodPost, "authenticate/", "login", "",
		loginRequest{Email: username, Password: password}, &account)
	if err != nil {
		return nil, errors.AuthError{Err: err}
	}
	if account.Token == "" {
		return nil, errors.AuthError{Err: errors.New("service returned no token")}
	}

	log.WithField("account", account.Email).Info("Logged in to dataset service")
	return &account, nil
}

// Logout ends the session of account.
func (c *AuthClient) Logout(ctx context.Context, account *Account) error {
	if account == nil || account.Token == "" {
		return nil
	}
	err := c.rest.doJSON(ctx, http.MethodDelete, "authenticate/", "logout", account.Token, nil, nil)
	if err != nil {
		return err
	}
	log.WithField("account", account.Email).Debug("Logged out of dataset service")
	return nil
}
