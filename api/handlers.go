/*
handlers.go - HTTP handlers for the alarm query surface

PURPOSE:
  Exposes the query layer read-only over HTTP, plus the maintenance
  operations an operator needs. Every read goes through the cached layer.

ENDPOINTS:
  Alarms:
    GET  /api/alarms                     All alarms (?enabled=true|false)
    GET  /api/alarms/page                ?offset=&limit=
    GET  /api/alarms/recent              ?limit= newest first
    GET  /api/alarms/scenario/{scenario} Alarms whose template is in scenario
    GET  /api/alarms/{id}                One alarm
    GET  /api/alarms/{id}/plan           Notifier triggers and cancel set

  Templates:
    GET  /api/templates                  ?scenario=
    GET  /api/templates/{id}/alarms      Alarms created from the template
    GET  /api/templates/{id}/preview     ?count= suggested fire instants

  Schedule:
    GET  /api/schedule/next              Next firing across enabled alarms

  Admin:
    GET  /api/admin/integrity            Integrity report
    GET  /api/admin/cache/stats          Cache counters
    POST /api/admin/cache/invalidate     Drop every cached entry
    POST /api/admin/optimize             Purge expired entries, flush batch

ERROR HANDLING:
  Errors are classified with alarm.KindOf:
  - 400: Validation
  - 404: NotFound
  - 409: Constraint
  - 503: Resource (retryable)
  - 500: everything else

SEE ALSO:
  - dto.go: Response types
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/query"
	"github.com/warp/alarm-engine/schedule"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
	DefaultRecent   = 10
	DefaultPreview  = 5
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of every endpoint.
type Handler struct {
	Layer *query.Layer
	// Scheduler answers /schedule/next when set; otherwise the handler
	// computes it from the enabled alarms.
	Scheduler *schedule.Service
	Clock     func() time.Time

	logger *zap.Logger
}

func NewHandler(layer *query.Layer, scheduler *schedule.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Layer:     layer,
		Scheduler: scheduler,
		Clock:     time.Now,
		logger:    logger.Named("api"),
	}
}

// =============================================================================
// ALARM HANDLERS
// =============================================================================

// ListAlarms returns every alarm, optionally filtered by enabled state.
func (h *Handler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		alarms []alarm.Alarm
		err    error
	)
	switch v := r.URL.Query().Get("enabled"); v {
	case "":
		alarms, err = h.Layer.FetchAll(ctx)
	case "true":
		alarms, err = h.Layer.FetchEnabled(ctx)
	case "false":
		alarms, err = h.Layer.FetchAlarms(ctx, alarm.Query{Filter: alarm.Filter{Enabled: alarm.Enabled(false)}})
	default:
		err = badParam("enabled", "want true or false")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlarmDTOs(alarms, h.Clock()))
}

// PageAlarms returns one page in presentation order.
func (h *Handler) PageAlarms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset, err := intParam(r, "offset", 0, 0, -1)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", DefaultPageSize, 1, MaxPageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	alarms, err := h.Layer.FetchPaginated(ctx, offset, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := h.Layer.CountAlarms(ctx, alarm.Filter{})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AlarmPageResponse{
		Items:  toAlarmDTOs(alarms, h.Clock()),
		Offset: offset,
		Limit:  limit,
		Total:  total,
	})
}

// RecentAlarms returns the most recently created alarms.
func (h *Handler) RecentAlarms(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", DefaultRecent, 1, MaxPageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	alarms, err := h.Layer.FetchRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlarmDTOs(alarms, h.Clock()))
}

// AlarmsByScenario returns alarms linked to templates of one scenario.
func (h *Handler) AlarmsByScenario(w http.ResponseWriter, r *http.Request) {
	s, err := scenarioParam(chi.URLParam(r, "scenario"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	alarms, err := h.Layer.FetchByScenario(r.Context(), s)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlarmDTOs(alarms, h.Clock()))
}

// GetAlarm returns a single alarm.
func (h *Handler) GetAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := h.Layer.GetAlarm(r.Context(), alarm.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlarmDTO(a, h.Clock()))
}

// AlarmPlan returns what the notifier is told about one alarm.
func (h *Handler) AlarmPlan(w http.ResponseWriter, r *http.Request) {
	a, err := h.Layer.GetAlarm(r.Context(), alarm.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	plan := PlanDTO{
		AlarmID:   string(a.ID),
		Enabled:   a.Enabled,
		Triggers:  []schedule.Trigger{},
		CancelIDs: schedule.CancelIDs(a),
	}
	if a.Enabled {
		plan.Triggers = schedule.ArmPlan(a)
	}
	writeJSON(w, http.StatusOK, plan)
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

// ListTemplates returns templates, optionally for one scenario.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	var scenario *alarm.Scenario
	if v := r.URL.Query().Get("scenario"); v != "" {
		s, err := scenarioParam(v)
		if err != nil {
			h.writeError(w, err)
			return
		}
		scenario = &s
	}
	templates, err := h.Layer.FetchTemplatesFor(r.Context(), scenario)
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]TemplateDTO, len(templates))
	for i, t := range templates {
		dtos[i] = toTemplateDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TemplateAlarms returns the alarms created from a template.
func (h *Handler) TemplateAlarms(w http.ResponseWriter, r *http.Request) {
	alarms, err := h.Layer.AlarmsForTemplate(r.Context(), alarm.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlarmDTOs(alarms, h.Clock()))
}

// TemplatePreview lists when an alarm from the template would fire.
func (h *Handler) TemplatePreview(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r, "count", DefaultPreview, 1, schedule.MaxPreview)
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Layer.GetTemplate(r.Context(), alarm.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	preview, err := schedule.PreviewTemplate(t, h.Clock(), count)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// NextAlarm returns the next firing across all enabled alarms.
func (h *Handler) NextAlarm(w http.ResponseWriter, r *http.Request) {
	u, ok, err := h.next(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	var resp NextResponse
	if ok {
		resp.Next = &u
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) next(ctx context.Context) (schedule.Upcoming, bool, error) {
	if h.Scheduler != nil {
		return h.Scheduler.Next(ctx)
	}
	alarms, err := h.Layer.FetchEnabled(ctx)
	if err != nil {
		return schedule.Upcoming{}, false, err
	}
	u, ok := schedule.NextAcross(alarms, h.Clock())
	return u, ok, nil
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Integrity runs the integrity check. Findings are a 200 report.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	report, err := alarm.CheckIntegrity(r.Context(), h.Layer.Store())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !report.Clean() {
		h.logger.Warn("integrity issues found", zap.Error(report.Err()))
	}
	writeJSON(w, http.StatusOK, IntegrityResponse{Clean: report.Clean(), Issues: report.Issues(), Report: report})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Layer.CacheStats(r.Context()))
}

// InvalidateCache drops every cached entry.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Layer.InvalidateAll(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Optimize purges expired cache entries and flushes queued writes.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	report, err := h.Layer.Optimize(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func statusFor(err error) int {
	switch alarm.KindOf(err) {
	case alarm.KindValidation:
		return http.StatusBadRequest
	case alarm.KindNotFound:
		return http.StatusNotFound
	case alarm.KindConstraint:
		return http.StatusConflict
	case alarm.KindResource:
		if alarm.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error:     alarm.Describe(err),
		Details:   err.Error(),
		Kind:      alarm.KindOf(err).String(),
		Severity:  alarm.SeverityOf(err).String(),
		Retryable: alarm.IsRetryable(err),
	})
}

func badParam(name, reason string) error {
	return &alarm.ValidationError{Entity: "query", Field: name, Reason: reason}
}

// intParam reads a query integer in [lo, hi]; hi < 0 means unbounded.
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badParam(name, "not a number")
	}
	if n < lo || (hi >= 0 && n > hi) {
		return 0, badParam(name, "out of range")
	}
	return n, nil
}

func scenarioParam(v string) (alarm.Scenario, error) {
	s := alarm.Scenario(v)
	if !s.Valid() {
		return "", badParam("scenario", "unknown scenario "+strconv.Quote(v))
	}
	return s, nil
}
