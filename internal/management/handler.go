package management

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/errors"
)

// ChangedByHeader names the operator in audit entries and config events.
const ChangedByHeader = "X-Changed-By"

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{
		Service: service,
		Logger:  log,
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	response := errors.ToErrorResponse(err)
	if errors.IsValidation(err) || errors.IsConflict(err) {
		response.Error = errorMessage(err, response.Error)
	}
	c.JSON(status, response)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err).WithMessage(err.Error())))
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		buses := v1.Group("/buses")
		{
			buses.GET("", h.ListBuses)
			buses.POST("/:bus/events", h.Publish)
		}

		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.POST("/reload", h.ReloadRules)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.GET("/:id/audit", h.GetRuleAuditLogs)
		}

		queues := v1.Group("/queues")
		{
			queues.GET("", h.ListQueues)
			queues.GET("/:queue", h.GetQueue)
			queues.GET("/:queue/messages", h.ListMessages)
			queues.POST("/:queue/redrive", h.Redrive)
		}

		topics := v1.Group("/topics")
		{
			topics.GET("/:topic/subscriptions", h.ListSubscriptions)
			topics.PUT("/:topic/subscriptions/:id/state", h.SetSubscriptionState)
		}

		replays := v1.Group("/replays")
		{
			replays.GET("", h.ListReplays)
			replays.POST("", h.StartReplay)
			replays.GET("/:id", h.GetReplay)
			replays.POST("/:id/cancel", h.CancelReplay)
			replays.POST("/:id/resume", h.ResumeReplay)
		}
	}
}

// ListBuses godoc
// @Summary      List event buses
// @Description  Names and pending fan-out counts of every configured bus
// @Tags         buses
// @Produce      json
// @Success      200  {array}   engine.BusInfo
// @Router       /buses [get]
func (h *Handler) ListBuses(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.ListBuses(c.Request.Context()))
}

// Publish accepts a batch of events. Entries fail independently; the
// response status is 200 even when some entries were rejected.
//
// @Summary      Publish events
// @Tags         buses
// @Accept       json
// @Produce      json
// @Param        bus     path      string          true  "Bus name"
// @Param        events  body      PublishRequest  true  "Up to 10 entries"
// @Success      200     {object}  bus.BatchPublishResult
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      404     {object}  errors.ErrorResponse
// @Router       /buses/{bus}/events [post]
func (h *Handler) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	result, err := h.Service.Publish(c.Request.Context(), c.Param("bus"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListRules godoc
// @Summary      List routing rules
// @Description  Active rule snapshot with its version
// @Tags         rules
// @Produce      json
// @Success      200  {object}  RuleSetResponse
// @Router       /rules [get]
func (h *Handler) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.ListRules(c.Request.Context()))
}

// GetRule godoc
// @Summary      Get a routing rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}  routing.Rule
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.Service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule godoc
// @Summary      Create a routing rule
// @Description  Requires the postgres rule source
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      RuleRequest  true  "Rule"
// @Success      201   {object}  routing.Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Router       /rules [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	rule, err := h.Service.CreateRule(actorContext(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule godoc
// @Summary      Update a routing rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      string       true  "Rule ID"
// @Param        rule  body      RuleRequest  true  "Rule"
// @Success      200   {object}  routing.Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Router       /rules/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	rule, err := h.Service.UpdateRule(actorContext(c), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule godoc
// @Summary      Delete a routing rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Router       /rules/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.Service.DeleteRule(actorContext(c), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRuleAuditLogs godoc
// @Summary      Rule change history
// @Description  Newest entries first
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id     path      string  true   "Rule ID"
// @Param        limit  query     int     false  "Max entries"
// @Success      200    {array}   AuditLogEntry
// @Failure      503    {object}  errors.ErrorResponse
// @Router       /rules/{id}/audit [get]
func (h *Handler) GetRuleAuditLogs(c *gin.Context) {
	logs, err := h.Service.GetRuleAuditLogs(c.Request.Context(), c.Param("id"), parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// ReloadRules godoc
// @Summary      Reload routing rules
// @Description  Rebuilds the rule snapshot from the configured source
// @Tags         rules
// @Accept       json
// @Produce      json
// @Success      200  {object}  ReloadResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/reload [post]
func (h *Handler) ReloadRules(c *gin.Context) {
	resp, err := h.Service.ReloadRules(actorContext(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListQueues godoc
// @Summary      List queues
// @Tags         queues
// @Produce      json
// @Success      200  {array}   queue.Stats
// @Router       /queues [get]
func (h *Handler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.ListQueues(c.Request.Context()))
}

// GetQueue godoc
// @Summary      Get queue stats
// @Tags         queues
// @Accept       json
// @Produce      json
// @Param        queue  path      string  true  "Queue name"
// @Success      200    {object}  queue.Stats
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /queues/{queue} [get]
func (h *Handler) GetQueue(c *gin.Context) {
	stats, err := h.Service.GetQueue(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListMessages godoc
// @Summary      Peek queue messages
// @Description  Does not lease the messages
// @Tags         queues
// @Accept       json
// @Produce      json
// @Param        queue  path      string  true   "Queue name"
// @Param        limit  query     int     false  "Max messages"
// @Success      200    {array}   queue.Message
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /queues/{queue}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.Service.ListMessages(c.Request.Context(), c.Param("queue"), parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Redrive moves dead-lettered messages. An empty body sends every message
// back to the queue it came from.
//
// @Summary      Redrive dead-lettered messages
// @Tags         queues
// @Accept       json
// @Produce      json
// @Param        queue    path      string          true   "Dead-letter queue"
// @Param        redrive  body      RedriveRequest  false  "Target and message ids"
// @Success      200      {object}  RedriveResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Router       /queues/{queue}/redrive [post]
func (h *Handler) Redrive(c *gin.Context) {
	var req RedriveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	resp, err := h.Service.Redrive(c.Request.Context(), c.Param("queue"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListSubscriptions godoc
// @Summary      List topic subscriptions
// @Tags         topics
// @Accept       json
// @Produce      json
// @Param        topic  path      string  true  "Topic name"
// @Success      200    {array}   topic.SubscriptionInfo
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /topics/{topic}/subscriptions [get]
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.Service.ListSubscriptions(c.Request.Context(), c.Param("topic"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// SetSubscriptionState godoc
// @Summary      Pause or resume a subscription
// @Tags         topics
// @Accept       json
// @Produce      json
// @Param        topic  path      string                    true  "Topic name"
// @Param        id     path      string                    true  "Subscription ID"
// @Param        state  body      SubscriptionStateRequest  true  "State"
// @Success      204
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      404    {object}  errors.ErrorResponse
// @Router       /topics/{topic}/subscriptions/{id}/state [put]
func (h *Handler) SetSubscriptionState(c *gin.Context) {
	var req SubscriptionStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.Service.SetSubscriptionActive(c.Request.Context(), c.Param("topic"), c.Param("id"), *req.Active); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartReplay godoc
// @Summary      Start a replay
// @Description  Replays archived events of a bus within [from, to)
// @Tags         replays
// @Accept       json
// @Produce      json
// @Param        replay  body      ReplayRequest  true  "Replay window"
// @Success      202     {object}  ReplayResponse
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      503     {object}  errors.ErrorResponse
// @Router       /replays [post]
func (h *Handler) StartReplay(c *gin.Context) {
	var req ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	resp, err := h.Service.StartReplay(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// ListReplays godoc
// @Summary      List replay jobs
// @Tags         replays
// @Produce      json
// @Success      200  {array}   archive.ReplayJob
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /replays [get]
func (h *Handler) ListReplays(c *gin.Context) {
	jobs, err := h.Service.ListReplays(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetReplay godoc
// @Summary      Get a replay job
// @Tags         replays
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Replay ID"
// @Success      200  {object}  archive.ReplayJob
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /replays/{id} [get]
func (h *Handler) GetReplay(c *gin.Context) {
	job, err := h.Service.GetReplay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelReplay godoc
// @Summary      Cancel a replay job
// @Description  A cancelled job can be resumed
// @Tags         replays
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Replay ID"
// @Success      202
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /replays/{id}/cancel [post]
func (h *Handler) CancelReplay(c *gin.Context) {
	if err := h.Service.CancelReplay(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ResumeReplay godoc
// @Summary      Resume a replay job
// @Description  Continues after the last replayed sequence
// @Tags         replays
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Replay ID"
// @Success      202
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Router       /replays/{id}/resume [post]
func (h *Handler) ResumeReplay(c *gin.Context) {
	if err := h.Service.ResumeReplay(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func actorContext(c *gin.Context) context.Context {
	return withActor(c.Request.Context(), c.GetHeader(ChangedByHeader), c.ClientIP())
}

func errorMessage(err error, fallback string) string {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		if msg, ok := appErr.Details["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fallback
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
