package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/engine"
	"github.com/example/fleet-sync/internal/geo"
	"github.com/example/fleet-sync/internal/lifecycle"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/pod"
	"github.com/example/fleet-sync/internal/reconcile"
	"github.com/example/fleet-sync/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeEditor struct {
	refs      []models.Ref
	patches   []models.Patch
	err       error
	shifts    []string
	refreshes []string
}

func (f *fakeEditor) SubmitLocalEdit(_ context.Context, ref models.Ref, patch models.Patch) (string, error) {
	f.refs = append(f.refs, ref)
	f.patches = append(f.patches, patch)
	if f.err != nil {
		return "", f.err
	}
	return "edit-1", nil
}

func (f *fakeEditor) PendingEdits(context.Context) ([]reconcile.PendingEdit, error) {
	return []reconcile.PendingEdit{{ID: "edit-1", Field: "contact_person"}}, nil
}

func (f *fakeEditor) CheckIn(_ context.Context, id string) error {
	f.shifts = append(f.shifts, "in:"+id)
	return f.err
}

func (f *fakeEditor) CheckOut(_ context.Context, id string) error {
	f.shifts = append(f.shifts, "out:"+id)
	return f.err
}

func (f *fakeEditor) Refresh(reason string) { f.refreshes = append(f.refreshes, reason) }

type fakeLifecycle struct {
	stopID   string
	pkg      *pod.Package
	reason   string
	err      error
	warnings []lifecycle.Warning
}

func (f *fakeLifecycle) RequestDelivered(_ context.Context, stopID string, pkg *pod.Package) error {
	f.stopID, f.pkg = stopID, pkg
	return f.err
}

func (f *fakeLifecycle) RequestFailed(_ context.Context, stopID, reason string) error {
	f.stopID, f.reason = stopID, reason
	return f.err
}

func (f *fakeLifecycle) CancelStop(_ context.Context, stopID string) error {
	f.stopID = stopID
	return f.err
}

func (f *fakeLifecycle) CancelRoute(_ context.Context, routeID string) error {
	f.stopID = routeID
	return f.err
}

func (f *fakeLifecycle) RetryStatus(_ context.Context, stopID string) error {
	f.stopID = stopID
	return f.err
}

func (f *fakeLifecycle) DismissWarning(stopID string) bool { return stopID == "s1" }

func (f *fakeLifecycle) Warnings() []lifecycle.Warning { return f.warnings }

type fixture struct {
	srv       *Server
	store     *store.Store
	editor    *fakeEditor
	lifecycle *fakeLifecycle
	feed      *activity.Feed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	f := &fixture{
		store:     store.New(),
		editor:    &fakeEditor{},
		lifecycle: &fakeLifecycle{},
		feed:      activity.NewFeed(10, clk, nil),
	}
	idx := geo.NewIndex(clk)
	seen := epoch
	idx.Upsert(&models.Driver{ID: "d1", Position: &models.Position{Lat: 1.3, Lng: 103.8}, LastSeen: &seen})
	f.srv = NewServer(Deps{
		Store:     f.store,
		Editor:    f.editor,
		Lifecycle: f.lifecycle,
		Activity:  f.feed,
		Geo:       idx,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Upsert(&models.Vehicle{ID: "v1", Plate: "SG1"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/vehicles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Vehicle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "SG1", list[0].Plate)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/vehicles/v1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/vehicles/v9", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/trucks", "").Code)
}

func TestPatchSubmitsLocalEdit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPatch, "/api/v1/orders/o1", `{"contact_person":"Ana"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"edit_id":"edit-1"}`, rec.Body.String())
	assert.Equal(t, models.Ref{Collection: models.Orders, ID: "o1"}, f.editor.refs[0])
	assert.Equal(t, "Ana", f.editor.patches[0]["contact_person"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/orders/o1", `{`).Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", reconcile.ErrUnknownEntity), http.StatusNotFound},
		{engine.ErrLifecycleRequired, http.StatusConflict},
		{models.ErrIllegalTransition, http.StatusConflict},
		{fmt.Errorf("%w: bad", models.ErrInvalidValue), http.StatusBadRequest},
		{fmt.Errorf("%w: 500", engine.ErrRemoteWriteFailed), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.editor.err = tc.err
		rec := f.do(t, http.MethodPatch, "/api/v1/orders/o1", `{"status":"ASSIGNED"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestDeliveredJSONStrokes(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/stops/s1/delivered", `{"width":100,"height":40,"strokes":[[{"x":10,"y":10},{"x":50,"y":30}]]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "s1", f.lifecycle.stopID)
	require.NotNil(t, f.lifecycle.pkg)
	assert.True(t, strings.HasPrefix(f.lifecycle.pkg.Signature, "data:image/png;base64,"))
	assert.Nil(t, f.lifecycle.pkg.Photo)
}

func TestDeliveredRejectsOversizedPad(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/stops/s1/delivered", `{"width":60000,"height":60000,"strokes":[[{"x":10,"y":10}]]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too large")
	assert.Nil(t, f.lifecycle.pkg)
}

var tinyPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func TestDeliveredMultipartPhoto(t *testing.T) {
	f := newFixture(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("photo", "door.png")
	require.NoError(t, err)
	_, err = fw.Write(tinyPNG)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stops/s1/delivered", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.NotNil(t, f.lifecycle.pkg.Photo)
	assert.Equal(t, "door.png", f.lifecycle.pkg.Photo.Filename)
	assert.Equal(t, "image/png", f.lifecycle.pkg.Photo.ContentType)
	assert.Empty(t, f.lifecycle.pkg.Signature)
}

func TestDeliveredPartialCommit(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.err = &lifecycle.PartialCommitError{StopID: "s1", Status: models.StatusDelivered, Err: errors.New("503")}
	rec := f.do(t, http.MethodPost, "/api/v1/stops/s1/delivered", `{}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["partial_commit"])
	assert.Equal(t, "s1", body["stop_id"])
}

func TestFailedAndCancel(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/stops/s2/failed", `{"reason":"absent"}`).Code)
	assert.Equal(t, "absent", f.lifecycle.reason)

	f.lifecycle.err = lifecycle.ErrFailReasonRequired
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/stops/s2/failed", `{"reason":""}`).Code)

	f.lifecycle.err = nil
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/stops/s3/cancel", "").Code)
	assert.Equal(t, "s3", f.lifecycle.stopID)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/routes/r1/cancel", "").Code)
	assert.Equal(t, "r1", f.lifecycle.stopID)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/stops/s1/retry-status", "").Code)
}

func TestWarnings(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.warnings = []lifecycle.Warning{{StopID: "s1", Status: models.StatusDelivered, Attempts: 1}}
	rec := f.do(t, http.MethodGet, "/api/v1/warnings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stop_id":"s1"`)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/warnings/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/warnings/s9", "").Code)
}

func TestShiftEditsActivityAndRefresh(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/drivers/d1/check-in", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/drivers/d1/check-out", "").Code)
	assert.Equal(t, []string{"in:d1", "out:d1"}, f.editor.shifts)

	rec := f.do(t, http.MethodGet, "/api/v1/edits", "")
	assert.Contains(t, rec.Body.String(), "edit-1")

	f.feed.Record(activity.KindSystem, "", "Stream connected")
	rec = f.do(t, http.MethodGet, "/api/v1/activity?limit=5", "")
	assert.Contains(t, rec.Body.String(), "Stream connected")

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/refresh", "").Code)
	assert.Equal(t, []string{"manual"}, f.editor.refreshes)
}

func TestNearby(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=1.3&lng=103.8", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []geo.Near
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DriverID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=x", "").Code)
}

func TestHealthReadyAndPanics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "").Code)

	f.srv.Ready = func(context.Context) error { return errors.New("redis down") }
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/ready", "").Code)

	f.srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/boom", "").Code)
}
