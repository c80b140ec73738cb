package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"petfeeder/internal/correlator"
	"petfeeder/internal/device"
	"petfeeder/internal/feeder"
	"petfeeder/internal/recommend"
	"petfeeder/internal/schedule"
	"petfeeder/internal/storage"
	"petfeeder/internal/telemetry"
	"petfeeder/pkg/logx"
)

type stubFeeder struct {
	calls int
	res   feeder.Result
	err   error
}

func (f *stubFeeder) Feed(_ context.Context, portion float64, scheduled bool) (feeder.Result, error) {
	f.calls++
	r := f.res
	r.Portion, r.Scheduled = portion, scheduled
	return r, f.err
}

type nopSyncer struct{}

func (nopSyncer) Sync(schedule.Schedule) error { return nil }
func (nopSyncer) Remove(string) bool           { return false }

type fixedDevice struct{ r telemetry.Reading }

func (d fixedDevice) Snapshot() telemetry.Reading { return d.r }

func newTestServer(t *testing.T, f Feeder) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := New(Deps{
		Feeder:      f,
		Schedules:   schedule.NewService(st, nopSyncer{}, logx.Nop()),
		Recommender: recommend.NewService(st, 0, func() *time.Location { return time.UTC }),
		History:     st,
		Device:      fixedDevice{r: telemetry.Reading{DeviceID: "feeder-001", Current: device.Float(250), Max: device.Float(1000)}},
	}, logx.Nop())
	return srv, st
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestFeedRejectsInvalidPortion(t *testing.T) {
	f := &stubFeeder{}
	srv, _ := newTestServer(t, f)
	h := srv.Handler()

	for _, body := range []string{`{}`, `{"portion":"abc"}`, `{"portion":null}`, `not json`} {
		w, out := do(t, h, http.MethodPost, "/feed", body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		require.Equal(t, "error", out["status"])
		require.Equal(t, feeder.MessageInvalidPortion, out["message"])
	}
	require.Zero(t, f.calls)
}

func TestFeedValidationFromOrchestrator(t *testing.T) {
	f := &stubFeeder{err: &feeder.ValidationError{Message: feeder.MessageInvalidPortion}, res: feeder.Result{Outcome: feeder.OutcomeValidationError}}
	srv, _ := newTestServer(t, f)
	w, _ := do(t, srv.Handler(), http.MethodPost, "/feed", `{"portion":-5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeedSuccess(t *testing.T) {
	f := &stubFeeder{res: feeder.Result{
		Outcome:     feeder.OutcomeSuccess,
		Message:     feeder.MessageSuccess,
		RequestID:   "r1",
		FeedingTime: 3 * time.Second,
		Weights:     device.Weights{Current: device.Float(200), Max: device.Float(1000)},
	}}
	srv, _ := newTestServer(t, f)
	w, out := do(t, srv.Handler(), http.MethodPost, "/feed", `{"portion":"50"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "success", out["status"])
	require.Equal(t, feeder.MessageSuccess, out["message"])
	require.Equal(t, 50.0, out["portion"])
	require.Equal(t, 3000.0, out["feedingTime"])
	require.Equal(t, 200.0, out["currentFoodStorageWeight"])
}

func TestFeedInsufficientFood(t *testing.T) {
	rej := &correlator.RejectedError{Kind: device.ErrorKindInsufficientFood, Message: device.MessageInsufficientFood}
	f := &stubFeeder{
		res: feeder.Result{Outcome: feeder.OutcomeInsufficientFood, Message: device.MessageInsufficientFood},
		err: &feeder.Error{Outcome: feeder.OutcomeInsufficientFood, Message: device.MessageInsufficientFood, Err: rej},
	}
	srv, _ := newTestServer(t, f)
	w, out := do(t, srv.Handler(), http.MethodPost, "/feed", `{"portion":50}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "error", out["status"])
	require.Equal(t, device.MessageInsufficientFood, out["message"])
	require.Equal(t, string(feeder.OutcomeInsufficientFood), out["outcome"])
}

func TestScheduleLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &stubFeeder{})
	h := srv.Handler()

	w, out := do(t, h, http.MethodPost, "/schedules", `{"portion":50}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Time and portion are required", out["message"])

	w, out = do(t, h, http.MethodPost, "/schedules", `{"time":"8:00","portion":50}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "Feeding schedule created", out["message"])
	created := out["schedule"].(map[string]any)
	id := created["id"].(string)
	require.Equal(t, "08:00", created["time"])
	require.Equal(t, "*", created["days"])

	w, _ = do(t, h, http.MethodPost, "/schedules", `{"time":"08:00","portion":50}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w, out = do(t, h, http.MethodPatch, "/schedules/"+id, `{"time":"09:15","days":"1-5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	updated := out["schedule"].(map[string]any)
	require.Equal(t, "09:15", updated["time"])
	require.Equal(t, "1,2,3,4,5", updated["days"])

	w, _ = do(t, h, http.MethodPatch, "/schedules/missing", `{"time":"09:15"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, h, http.MethodPatch, "/schedules/"+id, `{"portion":500}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []schedule.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w, out = do(t, h, http.MethodDelete, "/schedules/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Schedule deleted", out["message"])

	w, out = do(t, h, http.MethodDelete, "/schedules/"+id, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "Schedule not found", out["message"])
}

func TestRecommendationDefaults(t *testing.T) {
	srv, _ := newTestServer(t, &stubFeeder{})
	w, out := do(t, srv.Handler(), http.MethodGet, "/feed/recommendation", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 40.0, out["morning"])
	require.Equal(t, 30.0, out["noon"])
	require.Equal(t, 30.0, out["afternoon"])
}

func TestHistory(t *testing.T) {
	srv, st := newTestServer(t, &stubFeeder{})
	now := time.Now()
	srv.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, st.AppendFeedingLog(ctx, storage.FeedingLogEntry{Portion: 30, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, st.AppendFeedingLog(ctx, storage.FeedingLogEntry{Portion: 40, CreatedAt: now.AddDate(0, 0, -10)}))

	w, out := do(t, srv.Handler(), http.MethodGet, "/feed/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 7.0, out["days"])
	require.Len(t, out["entries"], 1)

	w, out = do(t, srv.Handler(), http.MethodGet, "/feed/history?days=30", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, out["entries"], 2)

	w, _ = do(t, srv.Handler(), http.MethodGet, "/feed/history?days=x", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubFeeder{})
	w, out := do(t, srv.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 250.0, out["currentFoodStorageWeight"])
	require.Equal(t, 25.0, out["foodLevelPercent"])

	srv.deps.Health = func(context.Context) Health { return Health{OK: false} }
	w, _ = do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnexpectedErrorIsNotLeaked(t *testing.T) {
	srv := New(Deps{Recommender: failingRecommender{}}, logx.Nop())
	w, out := do(t, srv.Handler(), http.MethodGet, "/feed/recommendation", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "internal error", out["message"])
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &stubFeeder{})
	w, _ := do(t, srv.Handler(), http.MethodOptions, "/feed", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

type failingRecommender struct{}

func (failingRecommender) Recommend(context.Context, time.Time) (recommend.Recommendation, error) {
	return recommend.Recommendation{}, errors.New("database is locked at /var/lib/petfeeder")
}
