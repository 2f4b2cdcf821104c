package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const gitHost = "bitbucket.org"

// Authenticator signs API requests and builds authenticated clone URLs.
type Authenticator interface {
	Authorize(ctx context.Context, req *http.Request) error
	GitURL(fullName string) (string, error)
}

// Refresher is implemented by authenticators whose credentials expire.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) Authorize(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

func (a *BasicAuth) GitURL(fullName string) (string, error) {
	u := url.URL{
		Scheme: "https",
		User:   url.UserPassword(a.Username, a.Password),
		Host:   gitHost,
		Path:   "/" + fullName + ".git",
	}
	return u.String(), nil
}

// OAuth2Auth uses a Bitbucket OAuth consumer. The access token is refreshed
// with the stored refresh token when the API answers 401.
type OAuth2Auth struct {
	config *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewOAuth2Auth(key, secret, refreshToken string) *OAuth2Auth {
	return NewOAuth2AuthWithEndpoint(key, secret, refreshToken, endpoints.Bitbucket)
}

func NewOAuth2AuthWithEndpoint(key, secret, refreshToken string, endpoint oauth2.Endpoint) *OAuth2Auth {
	return &OAuth2Auth{
		config: &oauth2.Config{
			ClientID:     key,
			ClientSecret: secret,
			Endpoint:     endpoint,
		},
		token: &oauth2.Token{RefreshToken: refreshToken},
	}
}

func (a *OAuth2Auth) currentToken(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token.AccessToken == "" {
		if err := a.Refresh(ctx); err != nil {
			return nil, err
		}
		a.mu.Lock()
		token = a.token
		a.mu.Unlock()
	}
	return token, nil
}

func (a *OAuth2Auth) Authorize(ctx context.Context, req *http.Request) error {
	token, err := a.currentToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	return nil
}

// Refresh exchanges the refresh token for a new access token.
func (a *OAuth2Auth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token.RefreshToken == "" {
		return errors.New("bitbucket: no OAuth refresh token configured")
	}
	source := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: a.token.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return &APIError{
				Code:        retrieveErr.Response.StatusCode,
				ErrorCode:   retrieveErr.ErrorCode,
				Description: retrieveErr.ErrorDescription,
			}
		}
		return fmt.Errorf("bitbucket: refreshing access token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = a.token.RefreshToken
	}
	a.token = token
	return nil
}

func (a *OAuth2Auth) GitURL(fullName string) (string, error) {
	token, err := a.currentToken(context.Background())
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: "https",
		User:   url.UserPassword("x-token-auth", token.AccessToken),
		Host:   gitHost,
		Path:   "/" + fullName + ".git",
	}
	return u.String(), nil
}
