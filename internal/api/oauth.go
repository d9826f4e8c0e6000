package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/keshon/chiwawa/internal/config"
)

const (
	discordURL   = "https://discord.com"
	oauthScopes  = "guilds identify guilds.members.read"
	oauthTimeout = 10 * time.Second
)

// discordOAuth wraps the authorization code flow against Discord.
type discordOAuth struct {
	conf    *oauth2.Config
	userURL string
}

func newDiscordOAuth(api config.API, base string) *discordOAuth {
	if base == "" {
		base = discordURL
	}
	base = strings.TrimRight(base, "/")
	return &discordOAuth{
		conf: &oauth2.Config{
			ClientID:     api.OAuth2.ClientID,
			ClientSecret: api.OAuth2.ClientSecret,
			RedirectURL:  api.RedirectURI,
			Scopes:       strings.Fields(oauthScopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/api/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userURL: base + "/api/v10/users/@me",
	}
}

// AuthorizeURL is where GET /login sends a visitor without a session.
func (o *discordOAuth) AuthorizeURL() string {
	return o.conf.AuthCodeURL("", oauth2.SetAuthURLParam("prompt", "none"))
}

func (o *discordOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()
	return o.conf.Exchange(ctx, code)
}

// Refresh returns a fresh token when tok has expired, or tok itself.
func (o *discordOAuth) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()
	return o.conf.TokenSource(ctx, tok).Token()
}

type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (o *discordOAuth) User(ctx context.Context, tok *oauth2.Token) (*discordUser, error) {
	ctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.userURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch user: status %d: %s", resp.StatusCode, body)
	}

	var u discordUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("fetch user: empty id")
	}
	return &u, nil
}

// userToken is the token shape the dashboard expects. The refresh token
// never leaves the server.
type userToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func publicToken(tok *oauth2.Token) *userToken {
	if tok == nil {
		return nil
	}
	ut := &userToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		ut.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ut.Scope = scope
	}
	return ut
}

// Sessions hold the token as JSON so the cookie codec needs no type
// registration.
func encodeToken(tok *oauth2.Token) string {
	data, _ := json.Marshal(tok)
	return string(data)
}

func decodeToken(s string) *oauth2.Token {
	if s == "" {
		return nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(s), &tok); err != nil || tok.AccessToken == "" {
		return nil
	}
	return &tok
}
