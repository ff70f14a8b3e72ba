package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/monitor/memstore"
	"github.com/linnemanlabs/carewatch/internal/registry"
	"github.com/linnemanlabs/carewatch/internal/sensor"
)

type testEnv struct {
	router chi.Router
	store  *memstore.Store
	reg    *registry.Service
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	store := memstore.New()
	reg := registry.NewService(store, nil)
	policies, err := monitor.NewPolicies(monitor.DefaultPolicyConfig(monitor.SeverityHigh))
	if err != nil {
		t.Fatalf("NewPolicies: %v", err)
	}
	rt := monitor.NewRouter(store, store, reg, policies, nil)
	api := New(nil, rt, monitor.NewAlertService(store, nil, 0), reg, sensor.NewIngester(rt, nil))

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return &testEnv{router: r, store: store, reg: reg}
}

func (e *testEnv) do(t testing.TB, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// patientWithCaregivers registers a patient linked to n caregivers.
func (e *testEnv) patientWithCaregivers(t *testing.T, n int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	p, err := e.reg.CreateUser(ctx, "Pat", "pat@example.com", monitor.RolePatient)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	var cgs []string
	for i := range n {
		c, err := e.reg.CreateUser(ctx, "Cara", "cara"+string(rune('a'+i))+"@example.com", monitor.RoleCaregiver)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if _, err := e.reg.LinkCaregiver(ctx, p.ID, c.ID); err != nil {
			t.Fatalf("LinkCaregiver: %v", err)
		}
		cgs = append(cgs, c.ID)
	}
	return p.ID, cgs
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	reg := registry.NewService(store, nil)
	policies, _ := monitor.NewPolicies(monitor.DefaultPolicyConfig(monitor.SeverityHigh))
	rt := monitor.NewRouter(store, store, reg, policies, log.Nop())
	api := New(nil, rt, monitor.NewAlertService(store, nil, 0), reg, sensor.NewIngester(rt, nil))
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil services did not panic")
		}
	}()
	New(nil, nil, nil, nil, nil)
}

// Routing

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/events"},
		{http.MethodDelete, "/api/v1/alerts/abc"},
		{http.MethodPost, "/api/v1/alerts/abc"},
		{http.MethodGet, "/api/v1/alerts/abc/acknowledge"},
		{http.MethodPut, "/api/v1/users"},
		{http.MethodGet, "/api/v1/sensors/accelerometer"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := e.do(t, tt.method, tt.path, ""); rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	for _, path := range []string{"/", "/api/v1", "/api/v2/alerts", "/api/v1/unknown", "/api/v1/patients"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			if rec := e.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusNotFound)
			}
		})
	}
}

// Event ingestion

func TestCreateEvent_Validation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{bad`},
		{"missing patient", `{"type":"FALL","confidence":0.9}`},
		{"missing type", `{"patientId":"p1"}`},
		{"confidence above 1", `{"patientId":"p1","type":"FALL","confidence":1.5}`},
		{"confidence not a number", `{"patientId":"p1","type":"FALL","confidence":"high"}`},
		{"payload not an object", `{"patientId":"p1","type":"OBJECT","payload":[1,2]}`},
		{"fall with bad source", `{"patientId":"p1","type":"FALL","payload":{"source":"radar"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := e.do(t, http.MethodPost, "/api/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
		})
	}

	if n := e.store.EventCount(); n != 0 {
		t.Errorf("stored %d events after rejected requests, want 0", n)
	}
}

func TestCreateEvent_FallAlertsEveryCaregiver(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	patient, cgs := e.patientWithCaregivers(t, 2)

	body := `{"patientId":"` + patient + `","type":"FALL","confidence":0.9,"payload":{"source":"camera"}}`
	rec := e.do(t, http.MethodPost, "/api/v1/events", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	res := decode[monitor.HandleResult](t, rec)
	if !res.Success || res.AlertsTriggered != 2 || res.Event == nil || res.Event.ID == "" {
		t.Fatalf("result = %+v", res)
	}

	for _, cg := range cgs {
		rec := e.do(t, http.MethodGet, "/api/v1/caregivers/"+cg+"/alerts", "")
		als := decode[[]monitor.Alert](t, rec)
		if len(als) != 1 {
			t.Fatalf("caregiver %s alerts = %d, want 1", cg, len(als))
		}
		if als[0].Severity != monitor.SeverityCritical || als[0].EventID != res.Event.ID {
			t.Errorf("alert = %+v", als[0])
		}
	}

	// second fall inside the cooldown is stored but suppressed
	rec = e.do(t, http.MethodPost, "/api/v1/events", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if res := decode[monitor.HandleResult](t, rec); res.AlertsTriggered != 0 {
		t.Errorf("alertsTriggered = %d, want 0 during cooldown", res.AlertsTriggered)
	}

	evs := decode[[]monitor.Event](t, e.do(t, http.MethodGet, "/api/v1/patients/"+patient+"/events", ""))
	if len(evs) != 2 {
		t.Errorf("events = %d, want 2", len(evs))
	}
}

func TestCreateEvent_UnknownPatientStoredWithoutAlerts(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/events", `{"patientId":"ghost","type":"OBJECT","confidence":0.95,"payload":{"object":"knife"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if res := decode[monitor.HandleResult](t, rec); res.AlertsTriggered != 0 {
		t.Errorf("alertsTriggered = %d, want 0", res.AlertsTriggered)
	}
	if n := e.store.EventCount(); n != 1 {
		t.Errorf("events stored = %d, want 1", n)
	}
}

func TestPatientEvents_BadLimit(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, "/api/v1/patients/p1/events?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	rec := e.do(t, http.MethodGet, "/api/v1/patients/p1/events", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty listing = %d %q, want 200 []", rec.Code, rec.Body.String())
	}
}

// Accelerometer

func TestAccelerometer(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	patient, _ := e.patientWithCaregivers(t, 1)

	rec := e.do(t, http.MethodPost, "/api/v1/sensors/accelerometer", `{"patientId":"`+patient+`","x":0,"y":0,"z":9.8}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if res := decode[sensor.Result](t, rec); !res.Received || res.FallDetected {
		t.Errorf("calm sample result = %+v", res)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/sensors/accelerometer", `{"patientId":"`+patient+`","x":30,"y":10,"z":5}`)
	res := decode[sensor.Result](t, rec)
	if !res.FallDetected || res.AlertsTriggered != 1 {
		t.Errorf("fall sample result = %+v", res)
	}

	if rec := e.do(t, http.MethodPost, "/api/v1/sensors/accelerometer", `{"x":30}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing patient status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Alerts

func TestAlerts_AcknowledgeFlow(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	patient, cgs := e.patientWithCaregivers(t, 1)
	e.do(t, http.MethodPost, "/api/v1/events", `{"patientId":"`+patient+`","type":"FACE","confidence":0.9,"payload":{"recognized":false}}`)

	als := decode[[]monitor.Alert](t, e.do(t, http.MethodGet, "/api/v1/alerts?caregiver_id="+cgs[0]+"&acknowledged=false", ""))
	if len(als) != 1 || als[0].Type != monitor.AlertTypeUnknownFace {
		t.Fatalf("alerts = %+v", als)
	}
	id := als[0].ID

	rec := e.do(t, http.MethodPatch, "/api/v1/alerts/"+id+"/acknowledge", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d", rec.Code)
	}
	if al := decode[monitor.Alert](t, rec); !al.Acknowledged {
		t.Error("expected acknowledged=true")
	}

	rec = e.do(t, http.MethodPatch, "/api/v1/alerts/"+id, `{"acknowledged":false}`)
	if al := decode[monitor.Alert](t, rec); al.Acknowledged {
		t.Error("expected acknowledged=false after PATCH")
	}

	if al := decode[monitor.Alert](t, e.do(t, http.MethodGet, "/api/v1/alerts/"+id, "")); al.ID != id {
		t.Errorf("GET alert id = %q, want %q", al.ID, id)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get missing", http.MethodGet, "/api/v1/alerts/nope", "", http.StatusNotFound},
		{"ack missing", http.MethodPatch, "/api/v1/alerts/nope/acknowledge", "", http.StatusNotFound},
		{"patch without flag", http.MethodPatch, "/api/v1/alerts/" + id, `{}`, http.StatusBadRequest},
		{"bad acknowledged filter", http.MethodGet, "/api/v1/alerts?acknowledged=maybe", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/alerts?limit=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// Registry

func TestUsersAndLinks(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/users", `{"name":"Pat","email":"Pat@Example.com","role":"patient"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient status = %d (body %q)", rec.Code, rec.Body.String())
	}
	p := decode[registry.User](t, rec)
	if p.Email != "pat@example.com" || p.Role != monitor.RolePatient {
		t.Errorf("patient = %+v", p)
	}

	c := decode[registry.User](t, e.do(t, http.MethodPost, "/api/v1/users", `{"name":"Cara","email":"cara@example.com","role":"CAREGIVER"}`))

	if rec := e.do(t, http.MethodPost, "/api/v1/users", `{"name":"Dup","email":"pat@example.com","role":"PATIENT"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate email status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/users", `{"name":"X","email":"not-an-email","role":"PATIENT"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad email status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/patients/"+p.ID+"/caregivers", `{"caregiverId":"`+c.ID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("link status = %d (body %q)", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/patients/"+p.ID+"/caregivers", `{"caregiverId":"`+c.ID+`"}`); rec.Code != http.StatusConflict {
		t.Errorf("relink status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/patients/"+c.ID+"/caregivers", `{"caregiverId":"`+p.ID+`"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("swapped roles status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/patients/ghost/caregivers", `{"caregiverId":"`+c.ID+`"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	linked := decode[[]registry.User](t, e.do(t, http.MethodGet, "/api/v1/patients/"+p.ID+"/caregivers", ""))
	if len(linked) != 1 || linked[0].ID != c.ID {
		t.Errorf("caregivers = %+v", linked)
	}

	cgs := decode[[]registry.User](t, e.do(t, http.MethodGet, "/api/v1/users?role=CAREGIVER", ""))
	if len(cgs) != 1 || cgs[0].ID != c.ID {
		t.Errorf("caregiver listing = %+v", cgs)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/users?role=ADMIN", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad role filter status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if u := decode[registry.User](t, e.do(t, http.MethodGet, "/api/v1/users/"+c.ID, "")); u.ID != c.ID {
		t.Errorf("GET user = %+v", u)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/users/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// Dependency failures

type failingEvents struct{ err error }

func (f failingEvents) HandleEvent(context.Context, monitor.EventInput) (*monitor.HandleResult, error) {
	return nil, f.err
}

func (f failingEvents) EventsForPatient(context.Context, string, int) ([]*monitor.Event, error) {
	return nil, f.err
}

func TestCreateEvent_DependencyFailure(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	reg := registry.NewService(store, nil)
	api := New(nil, failingEvents{err: errors.New("connection refused")}, monitor.NewAlertService(store, nil, 0), reg, sensor.NewIngester(failingEvents{}, nil))
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(`{"patientId":"p1","type":"FALL"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("internal error details leaked to client")
	}
}

func FuzzCreateEvent(f *testing.F) {
	f.Add(`{"patientId":"p1","type":"FALL","confidence":0.9,"payload":{"source":"camera"}}`)
	f.Add(`{"patientId":"p1","type":"FACE","payload":{"recognized":false,"frameMeta":{"mime":"image/jpeg","size":10,"name":"f.jpg"}}}`)
	f.Add(`{"patientId":"p1","type":"OBJECT","payload":{"object":"knife","bbox":[1,2,3,4]}}`)
	f.Add(`{"patientId":"p1","type":"SMOKE","payload":{"ppm":400}}`)
	f.Add(`{"confidence":-1}`)
	f.Add(`[]`)

	e := newTestEnv(f)
	f.Fuzz(func(t *testing.T, body string) {
		rec := e.do(t, http.MethodPost, "/api/v1/events", body)
		if rec.Code != http.StatusCreated && rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d for body %q, want 201 or 400", rec.Code, body)
		}
	})
}
