// Package app wires the announcer together and restarts it when its
// configuration changes.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/keshon/chiwawa/internal/api"
	"github.com/keshon/chiwawa/internal/authcode"
	"github.com/keshon/chiwawa/internal/config"
	"github.com/keshon/chiwawa/internal/discord"
	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/internal/preference"
	"github.com/keshon/chiwawa/internal/storage"
	"github.com/keshon/chiwawa/internal/tts"
	"github.com/keshon/chiwawa/internal/voice"
	"github.com/keshon/chiwawa/pkg/jobmgr"
)

const closeTimeout = 5 * time.Second

// controller is the part of the supervisor a running context may call.
type controller interface {
	UpdateConfig(next *config.Config) error
	Restart()
}

// Context is one generation of the running application, built from a single
// config snapshot.
type Context struct {
	cfg      *config.Config
	ctl      controller
	store    storage.Store // nil without a database
	engine   *tts.Engine
	registry *prometheus.Registry
	manager  *voice.Manager // nil without a Discord token
	bot      *discord.Bot   // nil without a Discord token
	api      *api.Server    // nil when the API is disabled
	log      zerolog.Logger
}

// Build creates every component enabled by cfg. Nothing is started.
func Build(ctx context.Context, cfg *config.Config, ctl controller) (*Context, error) {
	c := &Context{
		cfg:      cfg,
		ctl:      ctl,
		registry: prometheus.NewRegistry(),
		log:      logger.Component("app"),
	}
	c.log.Debug().Interface("config", cfg.Redacted()).Msg("building application")
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Database.Enabled() {
		store, err := storage.Open(ctx, cfg.Database)
		if err != nil {
			c.log.Error().Err(err).Msg("preference store unavailable, announcing with defaults")
		} else {
			c.store = store
		}
	}

	c.engine = tts.NewEngine(tts.Options{
		Region:          cfg.Discord.TTS.Region,
		Key:             cfg.Discord.TTS.Token,
		DefaultLanguage: cfg.Discord.TTS.DefaultLanguage,
	})
	if !cfg.Discord.TTS.Enabled() {
		c.log.Warn().Msg("tts is not configured, announcements will be silent")
	}

	if cfg.Discord.Token != "" {
		dg, err := discord.NewSession(cfg.Discord.Token)
		if err != nil {
			c.closeStore()
			return nil, err
		}

		opts := voice.Options{
			Dialer:      discord.Dialer{Session: dg},
			Synthesizer: c.engine.Synth,
			Defaults: preference.Defaults{
				JoinSuffix:  cfg.Discord.DefaultMessages.JoinSuffix,
				LeaveSuffix: cfg.Discord.DefaultMessages.LeaveSuffix,
			},
			Metrics: voice.NewMetrics(c.registry),
			Logger:  logger.Component("voice"),
		}
		if c.store != nil {
			opts.Preferences = c.store
		}
		c.manager = voice.NewManager(opts)

		c.bot = discord.New(dg, discord.Options{
			Voice:       c.manager,
			LoginPrompt: cfg.API.Enabled() && !cfg.API.OAuth2.Enabled(),
			RedirectURI: cfg.API.RedirectURI,
		})
	} else {
		c.log.Warn().Msg("discord token is not configured, bot is disabled")
	}

	if cfg.API.Enabled() {
		c.api = api.New(c, api.Options{Gatherer: c.registry})
	}

	return c, nil
}

// Run starts every component and blocks until ctx is done, then releases
// everything Build acquired.
func (c *Context) Run(ctx context.Context) error {
	jobs := jobmgr.NewManager(ctx, logger.Component("jobs"))

	if c.cfg.Discord.TTS.Enabled() {
		c.start(jobs, "catalog", func(ctx context.Context) error {
			if err := c.engine.Catalog.Load(ctx); err != nil && !errors.Is(err, tts.ErrDisabled) {
				return err
			}
			return nil
		})
	}
	if c.bot != nil {
		c.start(jobs, "authcodes", c.bot.AuthCodes().Run)
		c.start(jobs, "discord", c.bot.Run)
	}
	if c.api != nil {
		c.start(jobs, "api", func(ctx context.Context) error {
			return c.api.Run(ctx, ":"+c.cfg.API.Port)
		})
	}

	c.log.Info().Str("jobs", jobs.Status()).Msg("application started")
	<-ctx.Done()

	jobs.StopAll()
	jobs.Wait()
	if c.manager != nil {
		c.manager.Close()
	}
	c.closeStore()
	c.log.Info().Msg("application stopped")
	return nil
}

func (c *Context) start(jobs *jobmgr.Manager, name string, run func(context.Context) error) {
	if err := jobs.StartAsync(name, run); err != nil {
		c.log.Warn().Err(err).Str("job", name).Msg("job not started")
	}
}

func (c *Context) closeStore() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.store.Close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to close preference store")
	}
}

func (c *Context) Config() *config.Config {
	return c.cfg
}

func (c *Context) JoinedGuildIDs() []string {
	if c.bot == nil {
		return nil
	}
	return c.bot.JoinedGuildIDs()
}

func (c *Context) TTSToken(ctx context.Context) string {
	return c.engine.Tokens.Token(ctx)
}

func (c *Context) Store() storage.Store {
	return c.store
}

func (c *Context) AuthCodes() *authcode.Store {
	if c.bot == nil {
		return nil
	}
	return c.bot.AuthCodes()
}

func (c *Context) UpdateConfig(next *config.Config) error {
	return c.ctl.UpdateConfig(next)
}

func (c *Context) Restart() {
	c.ctl.Restart()
}
