package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailvault/internal/models"
	"github.com/vipul43/mailvault/internal/repository"
	"github.com/vipul43/mailvault/internal/service"
)

// Engine is the slice of the sync engine the listener drives. Webhook and
// trigger side effects pass through these operations; the integrity repair
// and retention purge endpoints call the store directly.
type Engine interface {
	Tick(ctx context.Context) error
	SyncOne(ctx context.Context, remoteEmailID string) error
	MarkDeleted(ctx context.Context, remoteEmailID string) error
	Reset(ctx context.Context, accountID string, token *string) error
}

// StatusStore reads account cursors for the status endpoint.
type StatusStore interface {
	Get(ctx context.Context, accountID string) (*models.SyncState, error)
	List(ctx context.Context) ([]models.SyncState, error)
}

// Archive exposes the store's health, aggregate, and integrity queries.
type Archive interface {
	Health(ctx context.Context) (*repository.HealthReport, error)
	Stats(ctx context.Context) (*repository.Stats, error)
	ValidateIntegrity(ctx context.Context) ([]repository.IntegrityCheck, error)
	RepairIntegrity(ctx context.Context) ([]repository.RepairAction, error)
}

// Retention is the explicit hard-delete path for tombstoned emails.
type Retention interface {
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error)
}

// Event is the webhook envelope accepted from the remote mail service.
type Event struct {
	Type      string          `json:"type"`
	AccountID string          `json:"accountId"`
	EmailID   string          `json:"emailId,omitempty"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// Server is the change-listener HTTP surface.
type Server struct {
	engine    Engine
	statuses  StatusStore
	archive   Archive
	retention Retention
	secret    string
	accountID string
	logger    *logrus.Logger
	router    *gin.Engine
}

func NewServer(engine Engine, statuses StatusStore, archive Archive, retention Retention, secret, accountID string, logger *logrus.Logger) *Server {
	if secret == "" {
		logger.Warn("webhook secret not configured, webhook deliveries will be rejected")
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    engine,
		statuses:  statuses,
		archive:   archive,
		retention: retention,
		secret:    secret,
		accountID: accountID,
		logger:    logger,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.POST("/webhook/:provider", s.handleWebhook)
	s.router.POST("/sync/trigger", s.handleTrigger)
	s.router.GET("/sync/status", s.handleStatus)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/integrity", s.handleIntegrity)
	s.router.POST("/integrity/repair", s.handleRepair)
	s.router.POST("/retention/purge", s.handlePurge)

	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run(port int) error {
	return s.router.Run(fmt.Sprintf(":%d", port))
}

// handleWebhook authenticates a signed event and dispatches it to the
// engine. Providers redeliver on 5xx, so engine failures surface as 502.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !s.verifySignature(c.GetHeader("Signature"), body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"provider": c.Param("provider"),
		"type":     event.Type,
		"email_id": event.EmailID,
	}).Info("webhook event received")

	switch event.Type {
	case "email.received", "email.updated":
		if event.EmailID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "emailId is required"})
			return
		}
		if err := s.engine.SyncOne(c.Request.Context(), event.EmailID); err != nil {
			s.logger.WithError(err).Error("failed to sync email from webhook")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

	case "email.deleted":
		if event.EmailID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "emailId is required"})
			return
		}
		if err := s.engine.MarkDeleted(c.Request.Context(), event.EmailID); err != nil {
			s.logger.WithError(err).Error("failed to tombstone email from webhook")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

	case "mailbox.updated":
		// Counts may have drifted; nudge a full pass without holding the
		// delivery open for its duration.
		go func() {
			if err := s.engine.Tick(context.Background()); err != nil && !errors.Is(err, service.ErrSyncInProgress) {
				s.logger.WithError(err).Warn("webhook-nudged tick failed")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "sync scheduled"})
		return

	default:
		// Unknown event types are acknowledged for forward compatibility.
		s.logger.WithField("type", event.Type).Debug("ignoring unknown event type")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// verifySignature computes the keyed digest over the raw body and compares
// in constant time. A missing secret fails closed.
func (s *Server) verifySignature(header string, body []byte) bool {
	if s.secret == "" || header == "" {
		return false
	}

	algorithm, digest, found := strings.Cut(header, "=")
	if !found || algorithm != "sha256" {
		return false
	}

	provided, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

type triggerRequest struct {
	AccountID string  `json:"account_id"`
	Force     bool    `json:"force"`
	Cursor    *string `json:"cursor,omitempty"`
}

// handleTrigger runs a synchronous manual tick. With force it resets the
// cursor first for a full re-pull.
func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = s.accountID
	}

	if req.Force {
		if err := s.engine.Reset(c.Request.Context(), accountID, req.Cursor); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.engine.Tick(c.Request.Context()); err != nil {
		if errors.Is(err, service.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	state, err := s.statuses.Get(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleStatus returns the cursor for one account, or all cursors.
func (s *Server) handleStatus(c *gin.Context) {
	if accountID := c.Query("account_id"); accountID != "" {
		state, err := s.statuses.Get(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, state)
		return
	}

	states, err := s.statuses.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": states})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	report, err := s.archive.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	code := http.StatusOK
	if report.Status == repository.HealthError {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.archive.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleIntegrity(c *gin.Context) {
	checks, err := s.archive.ValidateIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checks": checks})
}

func (s *Server) handleRepair(c *gin.Context) {
	actions, err := s.archive.RepairIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type purgeRequest struct {
	OlderThanDays int `json:"older_than_days" binding:"required,min=1"`
}

// handlePurge hard-deletes tombstoned emails older than the requested age.
// This is the only path that removes email rows.
func (s *Server) handlePurge(c *gin.Context) {
	var req purgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cutoff := time.Now().AddDate(0, 0, -req.OlderThanDays)
	purged, err := s.retention.PurgeDeleted(c.Request.Context(), cutoff)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"older_than_days": req.OlderThanDays,
		"purged":          purged,
	}).Info("retention purge completed")
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}
