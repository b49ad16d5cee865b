package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/apiresponses"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/metrics"
	"github.com/webportal/mailqueue/pkg/ratelimit"
	"github.com/webportal/mailqueue/pkg/system"
)

// StatusProvider reports scheduler state.
type StatusProvider interface {
	Status() mail.SchedulerStatus
}

// DispatchController exposes the HTTP trigger and the scheduler status.
// The trigger authenticates with the shared dispatch secret, status requires
// an admin token.
type DispatchController struct {
	runner    mail.CycleRunner
	scheduler StatusProvider
	secret    string
	limiter   *ratelimit.IPRateLimiter
	admin     []gin.HandlerFunc
	log       *zap.SugaredLogger
}

func NewDispatchController(runner mail.CycleRunner, scheduler StatusProvider, secret string,
	limiter *ratelimit.IPRateLimiter, admin []gin.HandlerFunc, log *zap.SugaredLogger,
) *DispatchController {
	return &DispatchController{
		runner:    runner,
		scheduler: scheduler,
		secret:    secret,
		limiter:   limiter,
		admin:     admin,
		log:       log.Named("dispatch-api"),
	}
}

func (dc *DispatchController) BasePath() string {
	return "dispatch"
}

// Handlers is empty because the two routes use different authentication.
func (dc *DispatchController) Handlers() []gin.HandlerFunc {
	return nil
}

func (dc *DispatchController) Register(rg *gin.RouterGroup) error {
	trigger := []gin.HandlerFunc{}
	if dc.limiter != nil {
		trigger = append(trigger, dc.limiter.Middleware())
	}
	trigger = append(trigger, requireDispatchSecret(dc.secret), dc.handleRun)
	rg.POST("/run", trigger...)

	status := append(append([]gin.HandlerFunc{}, dc.admin...), dc.handleStatus)
	rg.GET("/status", status...)
	return nil
}

func (dc *DispatchController) handleRun(c *gin.Context) {
	log := system.GetReqLogger(c, dc.log)
	metrics.DispatchTriggers.WithLabelValues("http").Inc()

	// A caller that gives up must not cut off sends that are already in flight.
	summary, err := dc.runner.RunCycle(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		apiresponses.RespondInternalError(c, "run dispatch cycle", err, log)
		return
	}
	log.Infow("Dispatch cycle triggered over HTTP",
		"processed", summary.Processed, "sent", summary.Sent, "skipped", summary.Skipped)
	c.JSON(http.StatusOK, summary)
}

func (dc *DispatchController) handleStatus(c *gin.Context) {
	if dc.scheduler == nil {
		c.JSON(http.StatusOK, mail.SchedulerStatus{})
		return
	}
	c.JSON(http.StatusOK, dc.scheduler.Status())
}
