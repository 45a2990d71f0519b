package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/alarm"
	"github.com/warp/alarm-engine/alarm/store"
	"github.com/warp/alarm-engine/api"
	"github.com/warp/alarm-engine/query"
	"github.com/warp/alarm-engine/schedule"
)

// 2025-01-15 12:00 UTC, a Wednesday.
var now = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router   http.Handler
	layer    *query.Layer
	template alarm.Template
	morning  alarm.Alarm
	evening  alarm.Alarm
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	layer := query.NewLayer(store.NewMemoryWithClock(func() time.Time { return now }), nil, query.Options{})

	f := &fixture{layer: layer}
	f.template = alarm.Template{Name: "Morning commute", Scenario: alarm.ScenarioWork, DefaultTime: "07:30", RepeatType: alarm.RepeatWeekdays}
	require.NoError(t, layer.InsertTemplate(ctx, &f.template))

	f.morning = alarm.Alarm{
		Time: alarm.TimeOfDay{Hour: 7}, Label: "Commute", Enabled: true, Sound: alarm.DefaultSound,
		TemplateID: f.template.ID, CreatedAt: now.Add(-48 * time.Hour),
	}
	f.morning.SetRepeat(alarm.NewWeekdaySet(alarm.Monday, alarm.Friday))
	require.NoError(t, layer.InsertAlarm(ctx, &f.morning))

	f.evening = alarm.Alarm{
		Time: alarm.TimeOfDay{Hour: 21, Minute: 30}, Label: "Read", Sound: alarm.DefaultSound,
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, layer.InsertAlarm(ctx, &f.evening))

	h := api.NewHandler(layer, nil, nil)
	h.Clock = func() time.Time { return now }
	f.router = api.NewRouter(h, api.RouterOptions{AllowedOrigins: []string{"http://localhost:5173"}})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// ALARMS
// =============================================================================

func TestListAlarms(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/alarms")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	alarms := decode[[]api.AlarmDTO](t, rec)
	require.Len(t, alarms, 2)
	assert.Equal(t, "07:00", alarms[0].Time, "ordered by fire time")
	assert.Equal(t, []int{2, 6}, alarms[0].Weekdays)
	assert.Equal(t, "Mon, Fri", alarms[0].Repeat)
	require.NotNil(t, alarms[0].NextFire)
	assert.Equal(t, "2025-01-17T07:00:00Z", *alarms[0].NextFire)
	assert.Nil(t, alarms[1].NextFire, "disabled alarms have no next fire")
	assert.Equal(t, "never", alarms[1].Repeat)
}

func TestListAlarms_EnabledFilter(t *testing.T) {
	f := newFixture(t)

	enabled := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/alarms?enabled=true"))
	disabled := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/alarms?enabled=false"))

	require.Len(t, enabled, 1)
	assert.Equal(t, string(f.morning.ID), enabled[0].ID)
	require.Len(t, disabled, 1)
	assert.Equal(t, string(f.evening.ID), disabled[0].ID)

	rec := f.do(t, http.MethodGet, "/api/alarms?enabled=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPageAlarms(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/alarms/page?offset=1&limit=1")

	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[api.AlarmPageResponse](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Offset)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Read", page.Items[0].Label)

	for _, bad := range []string{"limit=0", "limit=1000", "offset=-1", "limit=ten"} {
		rec := f.do(t, http.MethodGet, "/api/alarms/page?"+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestRecentAlarms(t *testing.T) {
	f := newFixture(t)

	alarms := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/alarms/recent?limit=1"))

	require.Len(t, alarms, 1)
	assert.Equal(t, "Read", alarms[0].Label, "newest first")
}

func TestAlarmsByScenario(t *testing.T) {
	f := newFixture(t)

	work := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/alarms/scenario/work"))
	health := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/alarms/scenario/health"))

	require.Len(t, work, 1)
	assert.Equal(t, string(f.template.ID), work[0].TemplateID)
	assert.Empty(t, health)

	rec := f.do(t, http.MethodGet, "/api/alarms/scenario/space")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAlarm_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/alarms/missing")

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "not_found", body.Kind)
	assert.Equal(t, "low", body.Severity)
	assert.False(t, body.Retryable)
	assert.NotEmpty(t, body.Error)
	assert.Contains(t, body.Details, "missing")
}

func TestAlarmPlan(t *testing.T) {
	f := newFixture(t)

	plan := decode[api.PlanDTO](t, f.do(t, http.MethodGet, "/api/alarms/"+string(f.morning.ID)+"/plan"))

	assert.True(t, plan.Enabled)
	require.Len(t, plan.Triggers, 2)
	assert.Equal(t, schedule.TriggerID(f.morning.ID, alarm.Monday), plan.Triggers[0].ID)
	assert.True(t, plan.Triggers[0].Repeats)
	assert.Equal(t, schedule.CancelIDs(f.morning), plan.CancelIDs)

	off := decode[api.PlanDTO](t, f.do(t, http.MethodGet, "/api/alarms/"+string(f.evening.ID)+"/plan"))
	assert.Empty(t, off.Triggers)
	assert.Equal(t, []string{string(f.evening.ID)}, off.CancelIDs)
}

// =============================================================================
// TEMPLATES & SCHEDULE
// =============================================================================

func TestListTemplates(t *testing.T) {
	f := newFixture(t)

	all := decode[[]api.TemplateDTO](t, f.do(t, http.MethodGet, "/api/templates"))
	work := decode[[]api.TemplateDTO](t, f.do(t, http.MethodGet, "/api/templates?scenario=work"))
	study := decode[[]api.TemplateDTO](t, f.do(t, http.MethodGet, "/api/templates?scenario=study"))

	assert.Len(t, all, 1)
	require.Len(t, work, 1)
	assert.Equal(t, "Morning commute", work[0].Name)
	assert.Equal(t, "weekdays", work[0].RepeatType)
	assert.Empty(t, study)
}

func TestTemplateAlarms(t *testing.T) {
	f := newFixture(t)

	alarms := decode[[]api.AlarmDTO](t, f.do(t, http.MethodGet, "/api/templates/"+string(f.template.ID)+"/alarms"))
	require.Len(t, alarms, 1)
	assert.Equal(t, string(f.morning.ID), alarms[0].ID)

	rec := f.do(t, http.MethodGet, "/api/templates/missing/alarms")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplatePreview(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/templates/"+string(f.template.ID)+"/preview?count=3")

	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[schedule.Preview](t, rec)
	require.Len(t, p.Instants, 3)
	assert.Equal(t, time.Date(2025, time.January, 16, 7, 30, 0, 0, time.UTC), p.Instants[0].UTC())
	assert.Equal(t, time.Date(2025, time.January, 20, 7, 30, 0, 0, time.UTC), p.Instants[2].UTC())
}

func TestNextAlarm(t *testing.T) {
	f := newFixture(t)

	resp := decode[api.NextResponse](t, f.do(t, http.MethodGet, "/api/schedule/next"))

	require.NotNil(t, resp.Next)
	assert.Equal(t, f.morning.ID, resp.Next.AlarmID)
	assert.True(t, time.Date(2025, time.January, 17, 7, 0, 0, 0, time.UTC).Equal(resp.Next.At))
}

func TestNextAlarm_NothingEnabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.layer.SetEnabled(context.Background(), f.morning.ID, false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/schedule/next")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"next": null}`, rec.Body.String())
}

// =============================================================================
// ADMIN
// =============================================================================

func TestIntegrity(t *testing.T) {
	f := newFixture(t)

	resp := decode[api.IntegrityResponse](t, f.do(t, http.MethodGet, "/api/admin/integrity"))

	assert.True(t, resp.Clean)
	assert.Zero(t, resp.Issues)
	assert.Equal(t, 2, resp.Report.Alarms)
	assert.Equal(t, 2, resp.Report.Rules)
}

func TestCacheAdmin(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/alarms")
	f.do(t, http.MethodGet, "/api/alarms")

	var stats struct {
		Hits   uint64 `json:"hits"`
		Misses uint64 `json:"misses"`
	}
	rec := f.do(t, http.MethodGet, "/api/admin/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	rec = f.do(t, http.MethodPost, "/api/admin/cache/invalidate")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/optimize")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[query.OptimizeReport](t, rec)
	assert.Zero(t, report.Flushed)

	rec = f.do(t, http.MethodGet, "/api/admin/optimize")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/alarms", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
