package closehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/odyssey-tax/internal/close"
	"github.com/odyssey-erp/odyssey-tax/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-tax/internal/settlement"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/ufv"
)

// Request headers identifying the caller.
const (
	HeaderTenant         = "X-Tenant-ID"
	HeaderActor          = "X-Actor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const rateWindow = time.Minute

type closeService interface {
	ResolveOpeningBalances(ctx context.Context, tenant string, period shared.Period) (close.OpeningBalances, error)
	SaveParameters(ctx context.Context, in close.ParametersInput) (close.Parameters, error)
	Calculate(ctx context.Context, in close.CalculateInput) (close.Calculation, error)
	ClosePeriod(ctx context.Context, in close.ClosePeriodInput) (close.CloseOutcome, error)
	ReopenPeriod(ctx context.Context, in close.ReopenInput) (close.ReopenOutcome, error)
	GetClosedPeriod(ctx context.Context, tenant string, period shared.Period) (close.ClosedPeriod, error)
	ListClosedPeriods(ctx context.Context, tenant string, year int) ([]close.ClosedPeriod, error)
	VerifyChain(ctx context.Context, tenant string) (close.ChainReport, error)
}

type indexPublisher interface {
	Publish(ctx context.Context, readings []ufv.Reading) error
}

// Handler wires JSON endpoints for settlements and the period closing workflow.
type Handler struct {
	logger     *slog.Logger
	service    closeService
	index      indexPublisher
	validate   *validator.Validate
	closeLimit int
}

var summaryLocales = language.NewMatcher([]language.Tag{settlement.DefaultLocale, language.AmericanEnglish})

// NewHandler constructs a close HTTP handler. closeLimit caps mutating period requests per tenant per minute.
func NewHandler(logger *slog.Logger, service closeService, index indexPublisher, closeLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		index:      index,
		validate:   validator.New(),
		closeLimit: closeLimit,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/tax", func(r chi.Router) {
		r.Post("/settlement/compute", h.compute)
		if h.index != nil {
			r.Put("/ufv", h.publishIndex)
		}
		r.Group(func(r chi.Router) {
			r.Use(requireTenant)
			r.Get("/periods", h.listPeriods)
			r.Get("/chain", h.verifyChain)
			r.Route("/periods/{period}", func(r chi.Router) {
				r.Use(periodFromURL)
				r.Get("/", h.getPeriod)
				r.Get("/opening", h.opening)
				r.Post("/calculate", h.calculate)
				r.Group(func(gr chi.Router) {
					if h.closeLimit > 0 {
						gr.Use(httprate.Limit(h.closeLimit, rateWindow,
							httprate.WithKeyFuncs(rateLimitKey),
							httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
								httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "period mutation rate exceeded")
							}),
						))
					}
					gr.Put("/parameters", h.saveParameters)
					gr.Post("/close", h.closePeriod)
					gr.Post("/reopen", h.reopenPeriod)
				})
			})
		})
	})
}

type ctxKey int

const (
	tenantKey ctxKey = iota
	periodKey
)

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(HeaderTenant))
		if tenant == "" {
			httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "tenant_required", Detail: HeaderTenant + " header required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func periodFromURL(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		period, err := shared.ParsePeriod(chi.URLParam(r, "period"))
		if err != nil {
			httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "invalid_period", Detail: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), periodKey, period)))
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey).(string)
	return tenant
}

func periodFrom(r *http.Request) shared.Period {
	period, _ := r.Context().Value(periodKey).(shared.Period)
	return period
}

func actorFrom(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderActor))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func rateLimitKey(r *http.Request) (string, error) {
	if tenant := strings.TrimSpace(r.Header.Get(HeaderTenant)); tenant != "" {
		return "tenant:" + tenant, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type computeRequest struct {
	Period               *shared.Period   `json:"period" validate:"required"`
	GrossSales           *decimal.Decimal `json:"gross_sales" validate:"required"`
	GrossPurchases       *decimal.Decimal `json:"gross_purchases" validate:"required"`
	UFVStart             *decimal.Decimal `json:"ufv_start" validate:"required"`
	UFVEnd               *decimal.Decimal `json:"ufv_end" validate:"required"`
	PriorCreditBalance   *decimal.Decimal `json:"prior_credit_balance" validate:"required"`
	PriorProfitTaxCredit *decimal.Decimal `json:"prior_profit_tax_credit" validate:"required"`
}

func (req computeRequest) input() settlement.Input {
	return settlement.Input{
		Period:               *req.Period,
		GrossSales:           *req.GrossSales,
		GrossPurchases:       *req.GrossPurchases,
		UFVStart:             *req.UFVStart,
		UFVEnd:               *req.UFVEnd,
		PriorCreditBalance:   *req.PriorCreditBalance,
		PriorProfitTaxCredit: *req.PriorProfitTaxCredit,
	}
}

type computeResponse struct {
	Result  settlement.Result `json:"result"`
	Summary string            `json:"summary"`
}

func (h *Handler) compute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := settlement.Compute(req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tag, _ := language.MatchStrings(summaryLocales, r.Header.Get("Accept-Language"))
	httpx.JSON(w, http.StatusOK, computeResponse{Result: res, Summary: res.Summary(tag)})
}

func (h *Handler) opening(w http.ResponseWriter, r *http.Request) {
	opening, err := h.service.ResolveOpeningBalances(r.Context(), tenantFrom(r), periodFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, opening)
}

type parametersRequest struct {
	UFVStart             *decimal.Decimal `json:"ufv_start" validate:"required"`
	UFVEnd               *decimal.Decimal `json:"ufv_end" validate:"required"`
	PriorCreditBalance   *decimal.Decimal `json:"prior_credit_balance" validate:"required"`
	PriorProfitTaxCredit *decimal.Decimal `json:"prior_profit_tax_credit" validate:"required"`
}

func (h *Handler) saveParameters(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req parametersRequest
	if !h.decode(w, r, &req) {
		return
	}
	params, err := h.service.SaveParameters(r.Context(), close.ParametersInput{
		Tenant:               tenantFrom(r),
		Period:               periodFrom(r),
		UFVStart:             *req.UFVStart,
		UFVEnd:               *req.UFVEnd,
		PriorCreditBalance:   *req.PriorCreditBalance,
		PriorProfitTaxCredit: *req.PriorProfitTaxCredit,
		ActorID:              actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, params)
}

type calculateRequest struct {
	Overrides      *close.Overrides `json:"overrides"`
	AcceptDefaults bool             `json:"accept_defaults"`
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	calc, err := h.service.Calculate(r.Context(), close.CalculateInput{
		Tenant:         tenantFrom(r),
		Period:         periodFrom(r),
		Overrides:      req.Overrides,
		AcceptDefaults: req.AcceptDefaults,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, calc)
}

type closeRequest struct {
	Input         *settlement.Input  `json:"input" validate:"required"`
	Result        *settlement.Result `json:"result" validate:"required"`
	OpeningSource string             `json:"opening_source" validate:"required,oneof=explicit carried default"`
	Confirm       bool               `json:"confirm"`
	Force         bool               `json:"force"`
	Reason        string             `json:"reason" validate:"max=500"`
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.ClosePeriod(r.Context(), close.ClosePeriodInput{
		Tenant:         tenantFrom(r),
		Period:         periodFrom(r),
		Input:          *req.Input,
		Result:         *req.Result,
		OpeningSource:  close.Source(req.OpeningSource),
		Confirm:        req.Confirm,
		Force:          req.Force,
		Reason:         req.Reason,
		ActorID:        actor,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed || out.Superseded != nil {
		status = http.StatusOK
	}
	httpx.JSON(w, status, out)
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) reopenPeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req reopenRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.ReopenPeriod(r.Context(), close.ReopenInput{
		Tenant:  tenantFrom(r),
		Period:  periodFrom(r),
		Reason:  req.Reason,
		ActorID: actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetClosedPeriod(r.Context(), tenantFrom(r), periodFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	year := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "invalid_year", Detail: "year must be numeric"})
			return
		}
		year = parsed
	}
	records, err := h.service.ListClosedPeriods(r.Context(), tenantFrom(r), year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []close.ClosedPeriod{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": records})
}

func (h *Handler) verifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyChain(r.Context(), tenantFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

type publishRequest struct {
	Readings []readingRequest `json:"readings" validate:"required,min=1,dive"`
}

type readingRequest struct {
	Date  string           `json:"date" validate:"required,datetime=2006-01-02"`
	Value *decimal.Decimal `json:"value" validate:"required"`
}

func (h *Handler) publishIndex(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	readings, err := toReadings(req.Readings)
	if err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "validation_failed", Detail: err.Error()})
		return
	}
	if err := h.index.Publish(r.Context(), readings); err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"published": len(readings)})
}

func toReadings(items []readingRequest) ([]ufv.Reading, error) {
	readings := make([]ufv.Reading, 0, len(items))
	for i, item := range items {
		if item.Value == nil {
			return nil, fmt.Errorf("readings[%d].value is required", i)
		}
		day, err := time.Parse(time.DateOnly, item.Date)
		if err != nil {
			return nil, fmt.Errorf("readings[%d].date: %w", i, err)
		}
		readings = append(readings, ufv.Reading{Date: day, Value: *item.Value})
	}
	return readings, nil
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "actor_required", Detail: HeaderActor + " header must be a positive integer"})
	}
	return actor, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "malformed_body", Detail: err.Error()})
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Code: "validation_failed", Detail: "request validation failed", Errors: fields})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	problem := httpx.ProblemDetail{Detail: err.Error()}
	switch {
	case errors.Is(err, settlement.ErrInvalidIndex):
		problem.Status, problem.Code = http.StatusBadRequest, "invalid_index"
	case errors.Is(err, settlement.ErrInvalidInput), errors.Is(err, close.ErrTenantRequired), errors.Is(err, ufv.ErrInvalidReading):
		problem.Status, problem.Code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, close.ErrConfirmationRequired):
		problem.Status, problem.Code = http.StatusUnprocessableEntity, "confirmation_required"
	case errors.Is(err, close.ErrReasonRequired):
		problem.Status, problem.Code = http.StatusUnprocessableEntity, "reason_required"
	case errors.Is(err, close.ErrResultMismatch):
		problem.Status, problem.Code = http.StatusUnprocessableEntity, "result_mismatch"
	case errors.Is(err, ufv.ErrIndexUnavailable):
		problem.Status, problem.Code, problem.Resolution = http.StatusUnprocessableEntity, "index_unavailable", string(close.SourceExplicit)
	case errors.Is(err, close.ErrNoPriorData):
		problem.Status, problem.Code, problem.Resolution = http.StatusConflict, "no_prior_data", string(close.SourceDefault)
	case errors.Is(err, close.ErrAlreadyClosed):
		problem.Status, problem.Code = http.StatusConflict, "already_closed"
	case errors.Is(err, close.ErrDuplicateRequest):
		problem.Status, problem.Code = http.StatusConflict, "duplicate_request"
	case errors.Is(err, close.ErrNotFound):
		problem.Status, problem.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, close.ErrPersistenceFailure), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("tax request unavailable", slog.String("path", r.URL.Path), slog.Any("error", err))
		w.Header().Set("Retry-After", strconv.Itoa(int(httpx.DefaultRetryAfter/time.Second)))
		problem.Status, problem.Code, problem.Detail = http.StatusServiceUnavailable, "persistence_failure", "storage temporarily unavailable"
	default:
		h.logger.Error("tax request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		problem.Status, problem.Code, problem.Detail = http.StatusInternalServerError, "internal", ""
	}
	httpx.WriteProblem(w, problem)
}
