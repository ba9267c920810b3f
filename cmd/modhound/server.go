package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/modhound/modhound/classifier"
	"github.com/modhound/modhound/embedding"
	"github.com/modhound/modhound/engine"
	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/learner"
	"github.com/modhound/modhound/models"
	"github.com/modhound/modhound/review"
	"github.com/modhound/modhound/rulestore"
)

type Server struct {
	logger  *slog.Logger
	db      *gorm.DB
	ledger  *ledger.Ledger
	engine  *engine.Engine
	reviews *review.Manager
	echo    *echo.Echo
}

type Config struct {
	Logger             *slog.Logger
	RedisURL           string
	RuleCacheTTL       time.Duration
	EmbeddingHost      string
	EmbeddingRateLimit int
	ClassifierHost     string
	ClassifierPassword string
	MaxExtensions      int
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	ttl := config.RuleCacheTTL
	if ttl <= 0 {
		ttl = rulestore.DefaultTTL
	}

	var cache rulestore.RuleCache
	if config.RedisURL != "" {
		csh, err := rulestore.NewRedisRuleCache(config.RedisURL, ttl)
		if err != nil {
			return nil, err
		}
		cache = csh
	} else {
		cache = rulestore.NewMemRuleCache(5_000, ttl)
	}

	led := ledger.NewLedger(db, logger)
	rules := rulestore.NewCachedRuleStore(led, cache, logger)
	learn := learner.NewLearner(led, rules, logger)

	reviews := review.NewManager(led, learn, logger)
	if config.MaxExtensions > 0 {
		reviews.MaxExtensions = config.MaxExtensions
	}

	embedding.SetDefaultHost(config.EmbeddingHost, config.EmbeddingRateLimit)
	gen, err := embedding.Default()
	if err != nil {
		return nil, err
	}

	eng := &engine.Engine{
		Logger:     logger,
		Ledger:     led,
		Rules:      rules,
		Embeddings: gen,
		Reviews:    reviews,
	}
	if config.ClassifierHost != "" {
		logger.Info("configuring external classifier client", "host", config.ClassifierHost)
		eng.Classifier = classifier.NewClient(config.ClassifierHost, config.ClassifierPassword, logger)
	}

	return &Server{
		logger:  logger,
		db:      db,
		ledger:  led,
		engine:  eng,
		reviews: reviews,
	}, nil
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Server) RunAPI(ctx context.Context, listen string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger.With("system", "http")))

	e.GET("/_health", s.handleHealthCheck)

	// inbound events from the gateway collaborator
	e.POST("/events/message", s.handleMessageEvent)
	e.POST("/events/vote", s.handleVoteEvent)
	e.POST("/events/flag", s.handleManualFlagEvent)

	// rule and configuration management
	e.GET("/servers/:guild/config", s.handleGetConfig)
	e.PUT("/servers/:guild/threshold", s.handleSetThreshold)
	e.PUT("/servers/:guild/majority", s.handleSetMajority)
	e.PUT("/servers/:guild/timeout", s.handleSetTimeout)
	e.GET("/servers/:guild/rules", s.handleListRules)
	e.POST("/servers/:guild/rules", s.handleCreateRule)
	e.DELETE("/servers/:guild/rules/:id", s.handleDeleteRule)

	// review state, exposed as data for the presentation layer
	e.GET("/flagged/:id", s.handleGetFlagged)
	e.PUT("/flagged/:id/rule", s.handleReassignRule)

	s.echo = e

	// reopen sessions for flags that were pending at last shutdown
	if err := s.reviews.Recover(ctx); err != nil {
		s.logger.Error("review session recovery failed", "err", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown failed", "err", err)
		}
	}()

	s.logger.Info("starting moderation API daemon", "listen", listen)
	err := e.Start(listen)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(500, HealthStatus{Status: "error", Version: versioninfo.Short(), Message: "can't connect to database"})
	}
	return c.JSON(200, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

func (s *Server) serverFromParam(c echo.Context) (*models.Server, error) {
	srv, err := s.ledger.GetServer(c.Request().Context(), c.Param("guild"))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "this server is not configured")
	}
	return srv, err
}

func mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrBadPattern),
		errors.Is(err, ledger.ErrBadRule),
		errors.Is(err, ledger.ErrBadConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}

type messageEventBody struct {
	GuildID    string `json:"guildID"`
	AuthorRef  string `json:"authorRef"`
	MessageRef string `json:"messageRef"`
	ChannelRef string `json:"channelRef"`
	Text       string `json:"text"`
}

func (s *Server) handleMessageEvent(c echo.Context) error {
	var body messageEventBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	fm, err := s.engine.ProcessMessage(c.Request().Context(), engine.MessageEvent{
		GuildID:    body.GuildID,
		AuthorRef:  body.AuthorRef,
		MessageRef: body.MessageRef,
		ChannelRef: body.ChannelRef,
		Text:       body.Text,
	})
	if err != nil {
		return err
	}
	if fm == nil {
		return c.JSON(200, map[string]any{"flagged": false})
	}
	return c.JSON(200, map[string]any{"flagged": true, "flaggedMessage": fm})
}

type voteEventBody struct {
	FlaggedMessageID uint   `json:"flaggedMessageID"`
	VoterID          string `json:"voterID"`
	Approve          bool   `json:"approve"`
}

func (s *Server) handleVoteEvent(c echo.Context) error {
	var body voteEventBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	res, err := s.engine.ProcessVote(c.Request().Context(), body.FlaggedMessageID, body.VoterID, body.Approve)
	if errors.Is(err, review.ErrSessionClosed) {
		// late vote: reflect the closed state, not an error
		fm, lookupErr := s.ledger.GetFlaggedMessage(c.Request().Context(), body.FlaggedMessageID)
		if lookupErr != nil {
			return mapWriteError(lookupErr)
		}
		return c.JSON(200, map[string]any{"accepted": false, "status": fm.Status})
	}
	if err != nil {
		return mapWriteError(err)
	}
	return c.JSON(200, map[string]any{
		"accepted": true,
		"status":   res.Status,
		"approve":  res.Tally.Approve,
		"reject":   res.Tally.Reject,
		"eligible": res.EligibleVoters,
	})
}

type manualFlagBody struct {
	GuildID    string `json:"guildID"`
	MessageRef string `json:"messageRef"`
	ChannelRef string `json:"channelRef"`
	AuthorRef  string `json:"authorRef"`
	Text       string `json:"text"`
	FlaggerRef string `json:"flaggerRef"`
	RuleID     uint   `json:"ruleID"`
}

func (s *Server) handleManualFlagEvent(c echo.Context) error {
	var body manualFlagBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	fm, err := s.engine.ProcessManualFlag(c.Request().Context(), engine.ManualFlagEvent{
		GuildID:    body.GuildID,
		MessageRef: body.MessageRef,
		ChannelRef: body.ChannelRef,
		AuthorRef:  body.AuthorRef,
		Text:       body.Text,
		FlaggerRef: body.FlaggerRef,
		RuleID:     body.RuleID,
	})
	if errors.Is(err, engine.ErrNotConfigured) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return mapWriteError(err)
	}
	return c.JSON(200, fm)
}

func (s *Server) handleGetConfig(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	cfg, err := s.ledger.GetConfig(c.Request().Context(), srv.ID)
	if err != nil {
		return err
	}
	return c.JSON(200, cfg)
}

type valueBody struct {
	Value float64 `json:"value"`
}

func (s *Server) handleSetThreshold(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	var body valueBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := s.ledger.SetThreshold(c.Request().Context(), srv.ID, body.Value); err != nil {
		return mapWriteError(err)
	}
	if err := s.engine.Rules.Invalidate(c.Request().Context(), srv.ID); err != nil {
		s.logger.Warn("config cache invalidation failed", "err", err, "serverID", srv.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetMajority(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	var body valueBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := s.ledger.SetMajorityFraction(c.Request().Context(), srv.ID, body.Value); err != nil {
		return mapWriteError(err)
	}
	if err := s.engine.Rules.Invalidate(c.Request().Context(), srv.ID); err != nil {
		s.logger.Warn("config cache invalidation failed", "err", err, "serverID", srv.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

type timeoutBody struct {
	Seconds int64 `json:"seconds"`
}

func (s *Server) handleSetTimeout(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	var body timeoutBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := s.ledger.SetReviewTimeout(c.Request().Context(), srv.ID, time.Duration(body.Seconds)*time.Second); err != nil {
		return mapWriteError(err)
	}
	if err := s.engine.Rules.Invalidate(c.Request().Context(), srv.ID); err != nil {
		s.logger.Warn("config cache invalidation failed", "err", err, "serverID", srv.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListRules(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	rules, err := s.ledger.ListActiveRules(c.Request().Context(), srv.ID)
	if err != nil {
		return err
	}
	return c.JSON(200, rules)
}

type createRuleBody struct {
	Kind           string   `json:"kind"`
	RuleText       string   `json:"ruleText"`
	Pattern        string   `json:"pattern,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ClassifierName string   `json:"classifierName,omitempty"`
}

func (s *Server) handleCreateRule(c echo.Context) error {
	var body createRuleBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	rule := models.ModerationRule{
		Kind:           models.RuleKind(body.Kind),
		RuleText:       body.RuleText,
		Pattern:        body.Pattern,
		Keywords:       models.StringList(body.Keywords),
		ClassifierName: body.ClassifierName,
	}
	// rule creation registers the server on first contact
	if err := s.engine.CreateRule(c.Request().Context(), c.Param("guild"), &rule); err != nil {
		return mapWriteError(err)
	}
	return c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	srv, err := s.serverFromParam(c)
	if err != nil {
		return err
	}
	ruleID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule id")
	}
	if err := s.ledger.DeactivateRule(c.Request().Context(), srv.ID, uint(ruleID)); err != nil {
		return mapWriteError(err)
	}
	if err := s.engine.Rules.Invalidate(c.Request().Context(), srv.ID); err != nil {
		s.logger.Warn("rule cache invalidation failed", "err", err, "serverID", srv.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetFlagged(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid flagged message id")
	}
	ctx := c.Request().Context()
	fm, err := s.ledger.GetFlaggedMessage(ctx, uint(id))
	if err != nil {
		return mapWriteError(err)
	}
	tally, err := s.ledger.TallyVotes(ctx, fm.ID)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{
		"flaggedMessage": fm,
		"approve":        tally.Approve,
		"reject":         tally.Reject,
	})
}

type reassignBody struct {
	RuleID uint `json:"ruleID"`
}

func (s *Server) handleReassignRule(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid flagged message id")
	}
	var body reassignBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	err = s.ledger.ReassignFlaggedRule(c.Request().Context(), uint(id), body.RuleID)
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return echo.NewHTTPError(http.StatusConflict, "flagged message already resolved")
	}
	if err != nil {
		return mapWriteError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
