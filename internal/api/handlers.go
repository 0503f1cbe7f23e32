package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// TransactionResponse is the synchronous reply to POST /v1/transactions
type TransactionResponse struct {
	EvaluationID    uuid.UUID               `json:"evaluation_id"`
	TransactionID   string                  `json:"transaction_id"`
	Decision        domain.Decision         `json:"decision"`
	Score           float64                 `json:"score"`
	RuleScore       float64                 `json:"rule_score"`
	Degraded        bool                    `json:"degraded"`
	DegradedReasons []string                `json:"degraded_reasons,omitempty"`
	RuleSetVersion  string                  `json:"rule_set_version"`
	Signals         []domain.RuleResult     `json:"signals"`
	Classifier      domain.ClassifierResult `json:"classifier"`
	AlertID         *uuid.UUID              `json:"alert_id,omitempty"`
	CaseID          *uuid.UUID              `json:"case_id,omitempty"`
	Replayed        bool                    `json:"replayed"`
	Timings         domain.Timings          `json:"timings"`
}

func newTransactionResponse(e *domain.Evaluation) TransactionResponse {
	return TransactionResponse{
		EvaluationID:    e.ID,
		TransactionID:   e.TransactionID,
		Decision:        e.Decision,
		Score:           e.Score.Value,
		RuleScore:       e.Score.RuleScore,
		Degraded:        e.Score.Degraded,
		DegradedReasons: e.Score.DegradedReasons,
		RuleSetVersion:  e.Score.RuleSetVersion,
		Signals:         domain.Triggered(e.Score.Signals),
		Classifier:      e.Score.Classifier,
		AlertID:         e.AlertID,
		CaseID:          e.CaseID,
		Replayed:        e.Replayed,
		Timings:         e.Timings,
	}
}

// TransitionRequest is the body of the case transition endpoints
type TransitionRequest struct {
	Note string `json:"note"`
}

// Health reports liveness
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the engine can evaluate with full state
func (h *Handler) Ready(c echo.Context) error {
	if err := h.evaluator.Ready(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":           "ready",
		"rule_set_version": h.rules.Active().Version,
	})
}

// SubmitTransaction evaluates a transaction and returns the decision
func (h *Handler) SubmitTransaction(c echo.Context) error {
	var tx domain.Transaction
	if err := c.Bind(&tx); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed transaction body")
	}

	eval, err := h.evaluator.Submit(c.Request().Context(), &tx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newTransactionResponse(eval))
}

// ListCases returns case summaries, newest first
func (h *Handler) ListCases(c echo.Context) error {
	f := cases.Filter{EntityID: c.QueryParam("entity_id"), Limit: defaultPageSize}

	if s := c.QueryParam("status"); s != "" {
		status, ok := domain.ParseCaseStatus(s)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(s))
		}
		f.Status = status
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = min(n, maxPageSize)
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		f.Offset = n
	}

	list, err := h.cases.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	out := make([]*domain.CaseSummary, 0, len(list))
	for _, cs := range list {
		out = append(out, cs.ToSummary())
	}
	return c.JSON(http.StatusOK, map[string]any{"cases": out, "limit": f.Limit, "offset": f.Offset})
}

// GetCase returns a case with its alerts and evidence
func (h *Handler) GetCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	cs, err := h.cases.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

// CaseEvents returns the audit trail of a case
func (h *Handler) CaseEvents(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	evs, err := h.cases.Events(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": evs})
}

func (h *Handler) transition(to domain.CaseStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := caseID(c)
		if err != nil {
			return err
		}
		var req TransitionRequest
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
			}
		}

		cs, err := h.cases.Transition(c.Request().Context(), id, to, actorOf(c), req.Note)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, cs)
	}
}

// ActiveRules returns the active rule-set version
func (h *Handler) ActiveRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.rules.Active())
}

// ReplaceRules activates a new rule-set version. An invalid set is rejected
// as a whole and the previous version stays active.
func (h *Handler) ReplaceRules(c echo.Context) error {
	var set domain.RuleSet
	if err := c.Bind(&set); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed rule set body")
	}

	active, err := h.rules.Load(c.Request().Context(), set)
	h.metrics.RuleSetReload(err == nil)
	if err != nil {
		return err
	}
	h.log.WithContext(c.Request().Context()).Info("rule set replaced via api",
		zap.String("version", active.Version),
		zap.String("actor", actorOf(c)),
	)
	return c.JSON(http.StatusOK, active)
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	return id, nil
}

// errorHandler maps domain errors onto HTTP statuses
func errorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorResponse{Error: "internal error"}

		var (
			he *echo.HTTPError
			ve *domain.ValidationError
		)
		switch {
		case errors.As(err, &he):
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			} else {
				body.Error = http.StatusText(he.Code)
			}
		case errors.As(err, &ve):
			status = http.StatusBadRequest
			body = ErrorResponse{Error: ve.Error(), Field: ve.Field}
		case errors.Is(err, domain.ErrInvalidRule):
			status = http.StatusUnprocessableEntity
			body.Error = err.Error()
		case errors.Is(err, domain.ErrInvalidTransition):
			status = http.StatusConflict
			body.Error = err.Error()
		case errors.Is(err, domain.ErrCaseNotFound):
			status = http.StatusNotFound
			body.Error = err.Error()
		default:
			log.WithContext(c.Request().Context()).Error("request failed",
				zap.String("path", c.Path()),
				zap.Error(err),
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Warn("failed to write error response", zap.Error(err))
		}
	}
}
