package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/calibrix/internal/db"
	"github.com/banshee-data/calibrix/internal/monitoring"
	"github.com/banshee-data/calibrix/internal/plan"
	"github.com/banshee-data/calibrix/internal/serialmux"
	"github.com/banshee-data/calibrix/internal/session"
	"github.com/banshee-data/calibrix/internal/timeutil"
)

const testWindow = 50 * time.Millisecond

type testEnv struct {
	sess *session.Session
	clk  *timeutil.MockClock
	srv  *Server
	mux  http.Handler
	port *serialmux.TestableSerialPort
}

func newTestEnv(t *testing.T, repo session.Repository) *testEnv {
	t.Helper()
	monitoring.SetLogger(nil)
	clk := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	opts := session.Options{SaveDuration: testWindow, Scale: 1, Clock: clk}
	if repo != nil {
		opts.Repository = repo
	}
	sess, err := session.New(opts)
	require.NoError(t, err)

	port := serialmux.NewTestableSerialPort()
	srv := NewServer(sess, serialmux.NewSerialMux(port))
	return &testEnv{sess: sess, clk: clk, srv: srv, mux: srv.ServeMux(), port: port}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// commit records v through the session's commit window.
func (e *testEnv) commit(t *testing.T, v float64) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := e.sess.Commit(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return e.sess.Committing() && e.clk.Waiters() == 1 }, time.Second, time.Millisecond)
	e.sess.PushSample(v)
	e.clk.Advance(testWindow)
	require.NoError(t, <-done)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StatusAPI](t, rec)
	assert.Equal(t, "idle", st.State)
	assert.Nil(t, st.LastSample)
	assert.Nil(t, st.Zone)
	assert.Equal(t, "mean", st.Filter)

	env.sess.PushSample(12.5)
	st = decode[StatusAPI](t, env.do(t, http.MethodGet, "/status", nil))
	require.NotNil(t, st.LastSample)
	assert.Equal(t, 12.5, *st.LastSample)
	assert.Equal(t, uint64(1), st.Samples)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/status"},
		{http.MethodPost, "/groups"},
		{http.MethodGet, "/groups/select"},
		{http.MethodGet, "/commit"},
		{http.MethodGet, "/auto/start"},
		{http.MethodDelete, "/settings"},
		{http.MethodPut, "/runs"},
		{http.MethodGet, "/command"},
	} {
		rec := env.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestSettings_PartialUpdate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/settings", map[string]interface{}{
		"mode":          "uniform",
		"step":          5,
		"count":         2,
		"bidirectional": true,
		"filter":        "iqr",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[SettingsAPI](t, rec)
	assert.Equal(t, "uniform", got.Mode)
	assert.Equal(t, 5.0, got.Step)
	assert.Equal(t, 2, got.Count)
	assert.True(t, got.Bidirectional)
	assert.Equal(t, 1, got.RepeatCount)
	assert.Equal(t, "iqr", got.Filter)

	step := env.sess.Settings()
	assert.Equal(t, plan.ModeUniform, step.Mode)
	assert.Len(t, env.sess.Base().Items, 2)
}

func TestSettings_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/settings", map[string]interface{}{"mode": "spiral"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/settings", map[string]interface{}{"stepsize": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/settings", map[string]interface{}{"filter": "median"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommit_Endpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	recc := make(chan *httptest.ResponseRecorder, 1)
	go func() { recc <- env.do(t, http.MethodPost, "/commit", nil) }()
	require.Eventually(t, func() bool { return env.sess.Committing() && env.clk.Waiters() == 1 }, time.Second, time.Millisecond)
	env.sess.PushSample(3)
	env.sess.PushSample(5)
	env.clk.Advance(testWindow)

	rec := <-recc
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CommitAPI](t, rec)
	assert.Equal(t, 4.0, res.Value)
	assert.Equal(t, 2, res.Samples)
	assert.Equal(t, "structure", res.Change)
}

func TestCommit_EmptyWindow(t *testing.T) {
	env := newTestEnv(t, nil)

	recc := make(chan *httptest.ResponseRecorder, 1)
	go func() { recc <- env.do(t, http.MethodPost, "/commit", nil) }()
	require.Eventually(t, func() bool { return env.clk.Waiters() == 1 }, time.Second, time.Millisecond)
	env.clk.Advance(testWindow)

	rec := <-recc
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGroups_UndefinedValuesAreNull(t *testing.T) {
	env := newTestEnv(t, nil)
	env.commit(t, 7.25)

	rec := env.do(t, http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw, 1)
	series := raw[0]["series"].([]interface{})
	require.Len(t, series, 1)
	s0 := series[0].(map[string]interface{})
	assert.Nil(t, s0["expected"])
	m0 := s0["measurements"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 7.25, m0["raw"])
	assert.Nil(t, m0["deviation"])
	assert.Equal(t, "none", raw[0]["mode"])
}

func TestGroups_Select(t *testing.T) {
	env := newTestEnv(t, nil)
	env.commit(t, 1)

	rec := env.do(t, http.MethodPost, "/groups/select", selectRequest{GroupID: 1, Selected: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.sess.Groups()[0].SelectedFor)

	rec = env.do(t, http.MethodPost, "/groups/select", selectRequest{GroupID: 9, Selected: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/groups/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.sess.Groups())
}

func TestAccuracy_Endpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/settings", map[string]interface{}{
		"mode": "uniform", "step": 10, "count": 2, "bidirectional": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	for _, v := range []float64{0.01, 10.02, 10.0, -0.01} {
		env.commit(t, v)
	}

	rec = env.do(t, http.MethodGet, "/accuracy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]AccuracyAPI](t, rec)
	require.Len(t, rows, 3)

	agg := rows[2]
	assert.True(t, agg.Aggregate)
	assert.Equal(t, -1, agg.StepNumber)
	assert.Nil(t, agg.ExpectedPosition)
	assert.Nil(t, agg.MeanForward)
	require.NotNil(t, agg.PositioningAccuracy)

	step := rows[0]
	assert.False(t, step.Aggregate)
	require.NotNil(t, step.MeanBidirectional)
	require.NotNil(t, step.Correction)
	assert.Equal(t, -*step.MeanBidirectional, *step.Correction)
}

func TestAutoStartStop(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auto/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PlanAPI](t, rec)
	require.Len(t, p.Zones, 1)
	assert.Nil(t, p.Zones[0].Expected)

	rec = env.do(t, http.MethodPost, "/settings", map[string]interface{}{"mode": "uniform"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	st := decode[StatusAPI](t, env.do(t, http.MethodGet, "/status", nil))
	assert.Equal(t, "in_zone_search", st.State)
	require.NotNil(t, st.Zone)

	rec = env.do(t, http.MethodPost, "/auto/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode[StatusAPI](t, rec).State)
}

func TestRuns_NoRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/runs", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/runs", persistRequest{}).Code)
}

func TestRuns_PersistListRestore(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer database.Close()

	env := newTestEnv(t, database)
	env.commit(t, 2.5)

	rec := env.do(t, http.MethodPost, "/runs", persistRequest{Name: "bench", Notes: "dry run"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[runIDResponse](t, rec).RunID
	require.NotEmpty(t, id)

	rec = env.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]db.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "bench", runs[0].Name)
	assert.Equal(t, 1, runs[0].Groups)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/groups/clear", nil).Code)
	require.Empty(t, env.sess.Groups())

	rec = env.do(t, http.MethodPost, "/runs/restore", runIDResponse{RunID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.sess.Groups(), 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/runs/restore", runIDResponse{RunID: "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/runs/restore", runIDResponse{}).Code)
}

func TestCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/command", commandRequest{Command: "ZERO"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ZERO\n", env.port.Written())

	rec = env.do(t, http.MethodPost, "/command", commandRequest{Command: "A\nB"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.port.WriteError = errors.New("unplugged")
	rec = env.do(t, http.MethodPost, "/command", commandRequest{Command: "PING"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	env.srv.m = nil
	rec = httptest.NewRecorder()
	env.srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command", bytes.NewBufferString(`{"command":"X"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSerialDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyUSB0", "/dev/ttyACM1", "/dev/ttyS0"}, nil
	}

	rec := env.do(t, http.MethodGet, "/serial/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode[[]SerialDeviceInfo](t, rec)
	require.Len(t, devices, 3)
	assert.Equal(t, "USB Serial Adapter (ttyUSB0)", devices[0].FriendlyName)
	assert.Equal(t, "USB CDC Device (ttyACM1)", devices[1].FriendlyName)
	assert.Equal(t, "ttyS0", devices[2].FriendlyName)

	env.srv.listPorts = func() ([]string, error) { return nil, errors.New("no sysfs") }
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/serial/devices", nil).Code)
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[api]")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"302"+colorReset, statusCodeColor(302))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "100", statusCodeColor(100))
}
