package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegisroute/internal/account"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/config"
	"github.com/thrillee/aegisroute/internal/connector"
	"github.com/thrillee/aegisroute/internal/gateway"
	"github.com/thrillee/aegisroute/internal/interceptor"
	"github.com/thrillee/aegisroute/internal/routable"
	"github.com/thrillee/aegisroute/internal/routing"
	"github.com/thrillee/aegisroute/internal/script"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	auth.Cost = bcrypt.MinCost
	gin.SetMode(gin.TestMode)
	m.Run()
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*routable.Routable
}

func (d *recordingDispatcher) Available(string, routable.Direction) bool { return true }

func (d *recordingDispatcher) Dispatch(_ context.Context, id string, r *routable.Routable) (connector.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, r)
	return connector.Receipt{ConnectorID: id, MessageIDs: []string{"smsc-1"}, Segments: 1}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type offlineRunner struct{}

func (offlineRunner) Run(context.Context, string, *routable.Routable) (*script.Outcome, error) {
	return nil, errors.New("not connected")
}
func (offlineRunner) Connected() bool { return false }

type fixture struct {
	handler http.Handler
	tables  *gateway.Tables
	router  *gateway.Router
	disp    *recordingDispatcher
}

func newFixture(t *testing.T, withDefaultRoute bool) *fixture {
	t.Helper()
	accounts := account.NewRegistry()
	require.NoError(t, accounts.AddGroup(routable.Group{ID: "g1", Enabled: true}))
	hash, err := auth.HashPassword("bar")
	require.NoError(t, err)
	require.NoError(t, accounts.AddUser(routable.User{ID: "u1", GroupID: "g1", Username: "foo", PasswordHash: hash, Enabled: true}))

	tables := gateway.NewTables()
	if withDefaultRoute {
		rt, err := routing.NewRoute(routing.TypeDefault, []string{"smppc-1"}, decimal.RequireFromString("0.25"))
		require.NoError(t, err)
		require.NoError(t, tables.MTRoutes.Add(0, nil, rt))
	}
	disp := &recordingDispatcher{}
	router := gateway.NewRouter(tables, disp, accounts)
	srv := NewServer(config.HTTPConfig{Addr: "127.0.0.1:0"}, router, accounts)
	return &fixture{handler: srv.Handler(), tables: tables, router: router, disp: disp}
}

func (f *fixture) setInterceptor(t *testing.T, src string) {
	t.Helper()
	ic, err := interceptor.NewInterceptor(interceptor.TypeDefault, src)
	require.NoError(t, err)
	require.NoError(t, f.tables.MTInterceptors.Add(0, nil, ic))
}

func (f *fixture) get(path string, q url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func sendArgs() url.Values {
	return url.Values{
		"username": {"foo"},
		"password": {"bar"},
		"to":       {"06155423"},
		"content":  {"test"},
	}
}

// The interception subsystem is walked through its states while the same
// message is submitted.
func TestSendInterceptionScenario(t *testing.T) {
	f := newFixture(t, true)
	f.setInterceptor(t, "var a = ;")

	w := f.get("/send", sendArgs())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, `Error "InterceptorPB not set !"`, w.Body.String())

	f.router.SetRunner(offlineRunner{})
	w = f.get("/send", sendArgs())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, `Error "InterceptorPB not connected !"`, w.Body.String())

	f.router.SetRunner(interceptor.NewLocalRunner(script.NewSandbox(time.Second)))
	w = f.get("/send", sendArgs())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, `Error "Failed running interception script, check log for details"`, w.Body.String())
	assert.Zero(t, f.disp.count())

	f.setInterceptor(t, `routable.pdu.params.short_message = "intercepted";`)
	w = f.get("/send", sendArgs())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Body.String(), `Success "`))
	require.Equal(t, 1, f.disp.count())
	assert.Equal(t, "intercepted", f.disp.sent[0].Content())
}

func TestSendVeto(t *testing.T) {
	f := newFixture(t, true)
	f.router.SetRunner(interceptor.NewLocalRunner(script.NewSandbox(time.Second)))
	f.setInterceptor(t, `http_status = 418; reject("teapot");`)

	w := f.post("/send", sendArgs())
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, `Error "Interception specific error code 418"`, w.Body.String())
}

func TestSendArguments(t *testing.T) {
	f := newFixture(t, true)

	args := sendArgs()
	args.Set("password", "wrong")
	w := f.get("/send", args)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, `Error "Authentication failure for username:foo"`, w.Body.String())

	args = sendArgs()
	args.Del("to")
	w = f.get("/send", args)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "[to]")

	args = sendArgs()
	args.Set("coding", "99")
	w = f.get("/send", args)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "[coding]")

	args = sendArgs()
	args.Set("from", "AEGIS")
	args.Set("coding", "8")
	args.Set("tags", "12, promo")
	args.Set("dlr", "yes")
	w = f.post("/send", args)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sent := f.disp.sent[0]
	assert.Equal(t, "AEGIS", sent.SourceAddr())
	coding, _ := sent.IntParam(routable.ParamDataCoding)
	assert.Equal(t, 8, coding)
	assert.True(t, sent.HasTag("12"))
	assert.True(t, sent.HasTag("promo"))
}

func TestSendBodyKeepsNonASCII(t *testing.T) {
	f := newFixture(t, true)

	args := sendArgs()
	args.Set("username", "josé")
	w := f.get("/send", args)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, `Error "Authentication failure for username:josé"`, w.Body.String())
}

func TestSendWithoutRoute(t *testing.T) {
	f := newFixture(t, false)
	w := f.get("/send", sendArgs())
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, `Error "No route found"`, w.Body.String())
}

func TestRate(t *testing.T) {
	f := newFixture(t, true)
	args := sendArgs()
	args.Set("content", strings.Repeat("a", 200))

	w := f.get("/rate", args)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var quote struct {
		SubmitSMCount int     `json:"submit_sm_count"`
		UnitRate      float64 `json:"unit_rate"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.Equal(t, 2, quote.SubmitSMCount)
	assert.Equal(t, 0.25, quote.UnitRate)
	assert.Zero(t, f.disp.count(), "rating does not send")

	f.setInterceptor(t, "x = 1;")
	w = f.get("/rate", args)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var msg string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "InterceptorPB not set !", msg)
}

func TestPingAndMetrics(t *testing.T) {
	f := newFixture(t, true)
	w := f.get("/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AegisRoute/PONG", w.Body.String())
	assert.Equal(t, "set=false connected=false", w.Header().Get("X-Interceptor"))

	w = f.get("/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
