package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/keshon/chiwawa/internal/config"
)

type defaultMessages struct {
	JoinSuffix  string `json:"joinSuffix"`
	LeaveSuffix string `json:"leaveSuffix"`
}

type ttsInfo struct {
	Token           string          `json:"token"`
	Region          string          `json:"region"`
	Language        string          `json:"language"`
	DefaultMessages defaultMessages `json:"defaultMessages"`
}

type discordInfo struct {
	JoinedGuilds []string   `json:"joinedGuilds"`
	TTS          ttsInfo    `json:"tts"`
	UserToken    *userToken `json:"userToken,omitempty"`
}

// info is returned by POST /login and GET /info. Config is only set for
// admins.
type info struct {
	Discord discordInfo    `json:"discord"`
	Config  *config.Config `json:"config,omitempty"`
}

func (s *Server) info(c *gin.Context, uid string, tok *oauth2.Token) info {
	cfg := s.backend.Config()
	guilds := s.backend.JoinedGuildIDs()
	if guilds == nil {
		guilds = []string{}
	}

	out := info{
		Discord: discordInfo{
			JoinedGuilds: guilds,
			TTS: ttsInfo{
				Token:    s.backend.TTSToken(c.Request.Context()),
				Region:   cfg.Discord.TTS.Region,
				Language: cfg.Discord.TTS.DefaultLanguage,
				DefaultMessages: defaultMessages{
					JoinSuffix:  cfg.Discord.DefaultMessages.JoinSuffix,
					LeaveSuffix: cfg.Discord.DefaultMessages.LeaveSuffix,
				},
			},
			UserToken: publicToken(tok),
		},
	}
	if cfg.IsAdmin(uid) {
		out.Config = cfg
	}
	return out
}

func (s *Server) getLogin(c *gin.Context) {
	if id, _ := sessions.Default(c).Get(keyUserID).(string); id != "" {
		c.Redirect(http.StatusMovedPermanently, s.backend.Config().API.RedirectURI)
		return
	}
	if s.oauth != nil {
		c.Redirect(http.StatusMovedPermanently, s.oauth.AuthorizeURL())
		return
	}
	c.Status(http.StatusServiceUnavailable)
}

type loginRequest struct {
	Code string `json:"code"`
}

// postLogin accepts either an OAuth2 authorization code or a one-time code
// handed out by the bot.
func (s *Server) postLogin(c *gin.Context) {
	var req loginRequest
	_ = c.ShouldBindJSON(&req)
	code := strings.TrimSpace(req.Code)
	if code == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	session := sessions.Default(c)

	if s.oauth != nil {
		tok, err := s.oauth.Exchange(c.Request.Context(), code)
		if err != nil {
			s.log.Warn().Err(err).Msg("oauth2 code exchange failed")
			c.Status(http.StatusForbidden)
			return
		}
		user, err := s.oauth.User(c.Request.Context(), tok)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to fetch discord user")
			c.Status(http.StatusInternalServerError)
			return
		}

		session.Set(keyUserID, user.ID)
		session.Set(keyUserToken, encodeToken(tok))
		if !s.save(c, session, tok) {
			return
		}
		s.log.Info().Str("user", user.ID).Str("via", "oauth2").Msg("user logged in")
		c.JSON(http.StatusOK, s.info(c, user.ID, tok))
		return
	}

	codes := s.backend.AuthCodes()
	if codes == nil {
		c.Status(http.StatusForbidden)
		return
	}
	entry, ok := codes.Authorize(code)
	if !ok {
		c.Status(http.StatusForbidden)
		return
	}

	session.Set(keyUserID, entry.UserID)
	session.Delete(keyUserToken)
	if !s.save(c, session, nil) {
		return
	}
	s.log.Info().Str("user", entry.UserID).Str("via", "mention").Msg("user logged in")
	c.JSON(http.StatusOK, s.info(c, entry.UserID, nil))
}

func (s *Server) deleteLogin(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		s.log.Error().Err(err).Msg("failed to destroy session")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getInfo(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		return
	}

	session := sessions.Default(c)
	tok := decodeToken(stringValue(session.Get(keyUserToken)))
	if tok != nil && s.oauth != nil {
		fresh, err := s.oauth.Refresh(c.Request.Context(), tok)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("user", uid).Msg("failed to refresh user token")
		case fresh.AccessToken != tok.AccessToken:
			tok = fresh
			session.Set(keyUserToken, encodeToken(tok))
			if !s.save(c, session, tok) {
				return
			}
		}
	}

	c.JSON(http.StatusOK, s.info(c, uid, tok))
}

// save persists the session, tying its lifetime to tok when there is one.
func (s *Server) save(c *gin.Context, session sessions.Session, tok *oauth2.Token) bool {
	if tok != nil && !tok.Expiry.IsZero() {
		session.Options(sessions.Options{
			Path:     "/",
			MaxAge:   int(time.Until(tok.Expiry).Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if err := session.Save(); err != nil {
		s.log.Error().Err(err).Msg("failed to save session")
		c.Status(http.StatusInternalServerError)
		return false
	}
	return true
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
