package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/apiresponses"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/system"
)

// QueueReader is the read side of the queue store used by the admin API.
type QueueReader interface {
	Get(ctx context.Context, id string) (*mail.QueueItem, error)
	GetMany(ctx context.Context, ids []string) ([]mail.QueueItem, error)
	List(ctx context.Context, filter mail.ListFilter) ([]mail.QueueItem, int64, error)
	Stats(ctx context.Context) (map[mail.Status]int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, in mail.NewQueueItem) (string, error)
}

// RecentIndex pages through recently sent item ids, newest first.
type RecentIndex interface {
	Enabled() bool
	Page(ctx context.Context, page, pageSize int) ([]string, int64, error)
}

type QueueListResponse struct {
	Items    []mail.QueueItem `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

type QueueController struct {
	store    QueueReader
	enqueuer Enqueuer
	recent   RecentIndex
	admin    []gin.HandlerFunc
	log      *zap.SugaredLogger
}

func NewQueueController(store QueueReader, enqueuer Enqueuer, recent RecentIndex, admin []gin.HandlerFunc, log *zap.SugaredLogger) *QueueController {
	return &QueueController{
		store:    store,
		enqueuer: enqueuer,
		recent:   recent,
		admin:    admin,
		log:      log.Named("queue-api"),
	}
}

func (qc *QueueController) BasePath() string {
	return "queue"
}

func (qc *QueueController) Handlers() []gin.HandlerFunc {
	return qc.admin
}

func (qc *QueueController) Register(rg *gin.RouterGroup) error {
	rg.POST("", qc.handleEnqueue)
	rg.GET("", qc.handleList)
	rg.GET("/stats", qc.handleStats)
	rg.GET("/recent", qc.handleRecent)
	rg.GET("/:id", qc.handleGet)
	return nil
}

func (qc *QueueController) handleEnqueue(c *gin.Context) {
	log := system.GetReqLogger(c, qc.log)

	var in mail.NewQueueItem
	if err := c.ShouldBindJSON(&in); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid request body", err.Error())
		return
	}
	id, err := qc.enqueuer.Enqueue(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, mail.ErrInvalidItem) {
			apiresponses.RespondBadRequest(c, err.Error())
			return
		}
		apiresponses.RespondInternalError(c, "enqueue email", err, log)
		return
	}
	apiresponses.RespondCreated(c, gin.H{"id": id})
}

func (qc *QueueController) handleList(c *gin.Context) {
	log := system.GetReqLogger(c, qc.log)

	filter, err := parseListFilter(c)
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	filter = filter.Normalize()

	items, total, err := qc.store.List(c.Request.Context(), filter)
	if err != nil {
		apiresponses.RespondInternalError(c, "list queue", err, log)
		return
	}
	if items == nil {
		items = []mail.QueueItem{}
	}
	c.JSON(http.StatusOK, QueueListResponse{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

func parseListFilter(c *gin.Context) (mail.ListFilter, error) {
	f := mail.ListFilter{Type: c.Query("type")}
	if s := c.Query("status"); s != "" {
		f.Status = mail.Status(s)
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = queryInt(c, "pageSize"); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func (qc *QueueController) handleStats(c *gin.Context) {
	log := system.GetReqLogger(c, qc.log)

	stats, err := qc.store.Stats(c.Request.Context())
	if err != nil {
		apiresponses.RespondInternalError(c, "load queue stats", err, log)
		return
	}
	mail.ObserveQueueDepth(stats)

	out := make(map[mail.Status]int64, 4)
	for _, s := range []mail.Status{mail.StatusPending, mail.StatusProcessing, mail.StatusSent, mail.StatusFailed} {
		out[s] = stats[s]
	}
	c.JSON(http.StatusOK, out)
}

func (qc *QueueController) handleRecent(c *gin.Context) {
	log := system.GetReqLogger(c, qc.log)

	if qc.recent == nil || !qc.recent.Enabled() {
		apiresponses.RespondServiceUnavailable(c, "recent deliveries cache")
		return
	}
	page, err := queryInt(c, "page")
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	pageSize, err := queryInt(c, "pageSize")
	if err != nil {
		apiresponses.RespondBadRequest(c, err.Error())
		return
	}
	norm := mail.ListFilter{Page: page, PageSize: pageSize}.Normalize()

	ids, total, err := qc.recent.Page(c.Request.Context(), norm.Page, norm.PageSize)
	if err != nil {
		apiresponses.RespondInternalError(c, "read recent deliveries", err, log)
		return
	}
	items, err := qc.store.GetMany(c.Request.Context(), ids)
	if err != nil {
		apiresponses.RespondInternalError(c, "load recent deliveries", err, log)
		return
	}
	if items == nil {
		items = []mail.QueueItem{}
	}
	c.JSON(http.StatusOK, QueueListResponse{Items: items, Total: total, Page: norm.Page, PageSize: norm.PageSize})
}

func (qc *QueueController) handleGet(c *gin.Context) {
	log := system.GetReqLogger(c, qc.log)

	id := c.Param("id")
	item, err := qc.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			apiresponses.RespondNotFound(c, "queue item", id)
			return
		}
		apiresponses.RespondInternalError(c, "load queue item", err, log)
		return
	}
	c.JSON(http.StatusOK, item)
}
