package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/esb-service/internal/errs"
	"github.com/richardliu001/esb-service/internal/model"
	"github.com/richardliu001/esb-service/internal/repo"
	"github.com/richardliu001/esb-service/internal/service"
)

// Handlers bundles the services behind the intake API.
type Handlers struct {
	Intake   *service.IntakeService
	Messages *repo.MessageRepository
}

func RegisterHandlers(r *gin.Engine, h Handlers) {
	v1 := r.Group("/v1")
	{
		v1.POST("/messages", submitHandler(h.Intake))
		v1.GET("/messages/:id", getMessageHandler(h.Messages))
		v1.GET("/messages", findByCorrelationHandler(h.Messages))
		v1.GET("/status", statusHandler(h.Messages))
	}
}

type submitReq struct {
	CorrelationID     string   `json:"correlation_id"`
	SourceSystem      string   `json:"source_system" binding:"required"`
	Service           string   `json:"service" binding:"required"`
	OperationName     string   `json:"operation_name" binding:"required"`
	EntityType        *string  `json:"entity_type"`
	ObjectID          *string  `json:"object_id"`
	GuaranteedOrder   bool     `json:"guaranteed_order"`
	FunnelComponentID *string  `json:"funnel_component_id"`
	FunnelValues      []string `json:"funnel_values"`
	MsgTimestamp      *string  `json:"msg_timestamp"`
	Payload           string   `json:"payload" binding:"required"`
}

type messageResp struct {
	MsgID         uint64         `json:"msg_id"`
	CorrelationID string         `json:"correlation_id"`
	State         model.MsgState `json:"state"`
	FailedCount   int            `json:"failed_count"`
	ErrorCode     *string        `json:"error_code,omitempty"`
	ErrorDesc     *string        `json:"error_desc,omitempty"`
}

func toResp(m *model.Message) messageResp {
	return messageResp{
		MsgID:         m.ID,
		CorrelationID: m.CorrelationID,
		State:         m.State,
		FailedCount:   m.FailedCount,
		ErrorCode:     m.FailedErrorCode,
		ErrorDesc:     m.FailedDesc,
	}
}

func submitHandler(svc *service.IntakeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var msgTimestamp *time.Time
		if req.MsgTimestamp != nil {
			ts, err := time.Parse(time.RFC3339, *req.MsgTimestamp)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid msg_timestamp"})
				return
			}
			msgTimestamp = &ts
		}

		msg, duplicate, err := svc.Submit(c, service.Submission{
			CorrelationID:     req.CorrelationID,
			SourceSystem:      req.SourceSystem,
			Service:           req.Service,
			OperationName:     req.OperationName,
			EntityType:        req.EntityType,
			ObjectID:          req.ObjectID,
			GuaranteedOrder:   req.GuaranteedOrder,
			FunnelComponentID: req.FunnelComponentID,
			FunnelValues:      req.FunnelValues,
			MsgTimestamp:      msgTimestamp,
			Payload:           req.Payload,
		})
		if err != nil {
			code, desc, _ := errs.Classify(err, nil)
			status := http.StatusInternalServerError
			if code == errs.CodeValidation {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": desc})
			return
		}
		status := http.StatusAccepted
		if duplicate {
			status = http.StatusOK
		}
		c.JSON(status, toResp(msg))
	}
}

func getMessageHandler(msgs *repo.MessageRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}
		m, err := msgs.FindByID(c, id)
		if err != nil {
			if errors.Is(err, repo.ErrMessageNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toResp(m))
	}
}

func findByCorrelationHandler(msgs *repo.MessageRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		corrID := c.Query("correlation_id")
		if corrID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id is required"})
			return
		}
		m, err := msgs.FindByCorrelationID(c, corrID, c.Query("source_system"))
		if err != nil {
			if errors.Is(err, repo.ErrMessageNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toResp(m))
	}
}

func statusHandler(msgs *repo.MessageRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		states := []model.MsgState{
			model.StateProcessing, model.StatePartlyFailed, model.StateFailed,
			model.StateWaiting, model.StateWaitingForRes, model.StatePostponed,
		}
		counts := make(map[string]int64, len(states))
		for _, st := range states {
			n, err := msgs.CountByState(c, st, 0)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			counts[string(st)] = n
		}
		c.JSON(http.StatusOK, counts)
	}
}
