package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/apiresponses"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/settings"
	"github.com/webportal/mailqueue/pkg/system"
)

// SettingsService is implemented by settings.Provider.
type SettingsService interface {
	Get(ctx context.Context) (settings.View, error)
	Patch(ctx context.Context, patch settings.Patch) (settings.View, error)
	TestConnection(ctx context.Context) error
	SendTestEmail(ctx context.Context, to string) (string, error)
}

type TestConnectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type TestEmailRequest struct {
	To string `json:"to"`
}

type SettingsController struct {
	service SettingsService
	admin   []gin.HandlerFunc
	log     *zap.SugaredLogger
}

func NewSettingsController(service SettingsService, admin []gin.HandlerFunc, log *zap.SugaredLogger) *SettingsController {
	return &SettingsController{service: service, admin: admin, log: log.Named("settings-api")}
}

func (sc *SettingsController) BasePath() string {
	return "settings"
}

func (sc *SettingsController) Handlers() []gin.HandlerFunc {
	return sc.admin
}

func (sc *SettingsController) Register(rg *gin.RouterGroup) error {
	rg.GET("", sc.handleGet)
	rg.PATCH("", sc.handlePatch)
	rg.POST("/test", sc.handleTest)
	rg.POST("/test-email", sc.handleTestEmail)
	return nil
}

func (sc *SettingsController) handleGet(c *gin.Context) {
	view, err := sc.service.Get(c.Request.Context())
	if err != nil {
		apiresponses.RespondInternalError(c, "load mail settings", err, system.GetReqLogger(c, sc.log))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (sc *SettingsController) handlePatch(c *gin.Context) {
	log := system.GetReqLogger(c, sc.log)

	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid request body", err.Error())
		return
	}
	view, err := sc.service.Patch(c.Request.Context(), patch)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidPatch) {
			apiresponses.RespondBadRequest(c, err.Error())
			return
		}
		apiresponses.RespondInternalError(c, "update mail settings", err, log)
		return
	}
	log.Infow("Mail settings updated", "provider", view.Provider, "enabled", view.Enabled)
	c.JSON(http.StatusOK, view)
}

// handleTest always answers 200; the outcome of the handshake is in the body.
func (sc *SettingsController) handleTest(c *gin.Context) {
	if err := sc.service.TestConnection(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, TestConnectionResponse{OK: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestConnectionResponse{OK: true})
}

func (sc *SettingsController) handleTestEmail(c *gin.Context) {
	log := system.GetReqLogger(c, sc.log)

	var req TestEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.To == "" {
		apiresponses.RespondBadRequest(c, "a recipient address is required in \"to\"")
		return
	}
	id, err := sc.service.SendTestEmail(c.Request.Context(), req.To)
	if err != nil {
		if errors.Is(err, mail.ErrInvalidItem) {
			apiresponses.RespondBadRequest(c, err.Error())
			return
		}
		apiresponses.RespondInternalError(c, "queue test email", err, log)
		return
	}
	apiresponses.RespondCreated(c, gin.H{"id": id})
}
