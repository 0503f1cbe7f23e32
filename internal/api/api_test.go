package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/config"
	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/geo"
	"github.com/banking/txmonitor/internal/pkg/logger"
	"github.com/banking/txmonitor/internal/rules"
)

const secret = "test-secret"

type stubEvaluator struct {
	eval     *domain.Evaluation
	err      error
	readyErr error
}

func (s *stubEvaluator) Submit(_ context.Context, tx *domain.Transaction) (*domain.Evaluation, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	out := *s.eval
	out.TransactionID = tx.ID
	return &out, nil
}

func (s *stubEvaluator) Ready(context.Context) error { return s.readyErr }

type env struct {
	e     *echo.Echo
	cases *cases.Manager
	rules *rules.Engine
	eval  *stubEvaluator
}

func newEnv(t *testing.T, jwtSecret string) *env {
	t.Helper()
	log := logger.NewNop()
	windows := []domain.WindowSpec{{Name: "1h", Duration: time.Hour}, {Name: "24h", Duration: 24 * time.Hour}}

	engine := rules.NewEngine(rules.DefaultRegistry(), rules.DefaultPlugins(), windows, geo.NewDirectory(nil, []string{"IR"}, nil), log)
	_, err := engine.Load(context.Background(), rules.DefaultRuleSet())
	require.NoError(t, err)

	mgr := cases.NewManager(cases.NewMemoryRepository(), cases.Policy{CorrelationWindow: time.Hour}, nil, log, nil)
	ev := &stubEvaluator{eval: &domain.Evaluation{
		ID:       uuid.New(),
		EntityID: "E1",
		Decision: domain.DecisionReview,
		Score: domain.SuspicionScore{
			Value:          85,
			RuleScore:      85,
			Decision:       domain.DecisionReview,
			RuleSetVersion: "builtin-1",
			Signals: []domain.RuleResult{
				{RuleID: "structuring-ctr", Triggered: true, Score: 85, Weight: 1},
				{RuleID: "velocity-1h"},
			},
		},
	}}

	cfg := &config.Config{
		Server:   config.ServerConfig{MaxRequestSize: 1 << 20},
		Security: config.SecurityConfig{JWTSecret: jwtSecret, JWTIssuer: "txmonitor-test", AllowedOrigins: []string{"*"}},
	}
	e := NewServer(cfg, Deps{Evaluator: ev, Cases: mgr, Rules: engine, Log: log})
	return &env{e: e, cases: mgr, rules: engine, eval: ev}
}

func token(t *testing.T, sub, issuer string, key string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func (v *env) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, sub string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token(t, sub, "txmonitor-test", secret)}
}

func (v *env) openCase(t *testing.T) uuid.UUID {
	t.Helper()
	tx := &domain.Transaction{ID: "t1", EntityID: "E1", Amount: 999_900, Currency: "USD",
		Timestamp: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), Channel: domain.ChannelACH}
	score := v.eval.eval.Score
	out, err := v.cases.Submit(context.Background(), tx, &score)
	require.NoError(t, err)
	return out.Case.ID
}

const validTx = `{"id":"t1","entity_id":"E1","amount":999900,"currency":"USD",
	"timestamp":"2026-06-01T09:00:00Z","channel":"ACH","geolocation":{"country":"US"}}`

func TestSubmitTransaction(t *testing.T) {
	v := newEnv(t, secret)

	rec := v.do(t, http.MethodPost, "/v1/transactions", validTx, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TransactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.TransactionID)
	assert.Equal(t, domain.DecisionReview, resp.Decision)
	assert.Equal(t, 85.0, resp.Score)
	assert.Equal(t, "builtin-1", resp.RuleSetVersion)
	require.Len(t, resp.Signals, 1, "only triggered rules are listed")
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestSubmitTransaction_Errors(t *testing.T) {
	v := newEnv(t, secret)

	rec := v.do(t, http.MethodPost, "/v1/transactions", `{"id":"t1","entity_id":"E1","amount":-5,"currency":"USD","timestamp":"2026-06-01T09:00:00Z","channel":"ACH"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "amount", body.Field)

	rec = v.do(t, http.MethodPost, "/v1/transactions", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	v.eval.err = &domain.ValidationError{Field: "timestamp", Reason: "precedes latest transaction", Err: domain.ErrNonMonotonicTimestamp}
	rec = v.do(t, http.MethodPost, "/v1/transactions", validTx, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	v.eval.err = fmt.Errorf("boom")
	rec = v.do(t, http.MethodPost, "/v1/transactions", validTx, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestAuth(t *testing.T) {
	v := newEnv(t, secret)

	tests := []struct {
		name    string
		headers map[string]string
		code    int
	}{
		{"NoToken", nil, http.StatusUnauthorized},
		{"WrongKey", map[string]string{echo.HeaderAuthorization: "Bearer " + token(t, "a", "txmonitor-test", "other")}, http.StatusUnauthorized},
		{"WrongIssuer", map[string]string{echo.HeaderAuthorization: "Bearer " + token(t, "a", "someone-else", secret)}, http.StatusUnauthorized},
		{"NoSubject", map[string]string{echo.HeaderAuthorization: "Bearer " + token(t, "", "txmonitor-test", secret)}, http.StatusUnauthorized},
		{"ActorHeaderIgnored", map[string]string{HeaderActor: "mallory"}, http.StatusUnauthorized},
		{"Valid", bearer(t, "analyst-1"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := v.do(t, http.MethodGet, "/v1/cases", "", tt.headers)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestAuth_ActorHeaderWithoutSecret(t *testing.T) {
	v := newEnv(t, "")
	id := v.openCase(t)

	rec := v.do(t, http.MethodPost, "/v1/cases/"+id.String()+"/acknowledge", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id.String()+"/acknowledge", "", map[string]string{HeaderActor: "analyst-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	evs, err := v.cases.Events(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "analyst-7", evs[len(evs)-1].Actor)
}

func TestCaseLifecycle(t *testing.T) {
	v := newEnv(t, secret)
	id := v.openCase(t).String()

	rec := v.do(t, http.MethodGet, "/v1/cases?entity_id=E1&status=open", "", bearer(t, "analyst-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Cases []domain.CaseSummary `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Cases, 1)
	assert.Equal(t, 1, list.Cases[0].AlertCount)

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id+"/close", `{"note":"looks fine"}`, bearer(t, "analyst-1"))
	assert.Equal(t, http.StatusConflict, rec.Code, "reviewers cannot close an open case")

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id+"/acknowledge", "", bearer(t, "analyst-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id+"/escalate", `{"note":"pattern across accounts"}`, bearer(t, "analyst-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id+"/close", `{}`, bearer(t, "lead-2"))
	assert.Equal(t, http.StatusConflict, rec.Code, "closing requires a note")

	rec = v.do(t, http.MethodPost, "/v1/cases/"+id+"/close", `{"note":"SAR filed"}`, bearer(t, "lead-2"))
	require.Equal(t, http.StatusOK, rec.Code)
	var closed domain.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.Equal(t, domain.CaseStatusClosed, closed.Status)
	assert.Equal(t, "SAR filed", closed.Resolution)

	rec = v.do(t, http.MethodGet, "/v1/cases/"+id+"/events", "", bearer(t, "auditor"))
	require.Equal(t, http.StatusOK, rec.Code)
	var evs struct {
		Events []domain.CaseEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs.Events, 4)
	assert.Equal(t, "lead-2", evs.Events[3].Actor)
}

func TestCaseErrors(t *testing.T) {
	v := newEnv(t, secret)
	auth := bearer(t, "analyst-1")

	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodGet, "/v1/cases/not-a-uuid", "", auth).Code)
	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/v1/cases/"+uuid.NewString(), "", auth).Code)
	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/v1/cases/"+uuid.NewString()+"/events", "", auth).Code)
	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodPost, "/v1/cases/"+uuid.NewString()+"/acknowledge", "", auth).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodGet, "/v1/cases?status=pending", "", auth).Code)
	assert.Equal(t, http.StatusBadRequest, v.do(t, http.MethodGet, "/v1/cases?limit=0", "", auth).Code)
}

func TestRules(t *testing.T) {
	v := newEnv(t, secret)
	auth := bearer(t, "rules-admin")

	rec := v.do(t, http.MethodGet, "/v1/rules", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"builtin-1"`)

	invalid := `{"version":"v2","rules":[{"id":"s","type":"STRUCTURING","params":{"window":"1h","threshold":1000,"proximity":1.5}}]}`
	rec = v.do(t, http.MethodPut, "/v1/rules", invalid, auth)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "builtin-1", v.rules.Active().Version, "rejected set leaves the active version")

	valid := `{"version":"v2","rules":[{"id":"v","type":"VELOCITY","params":{"window":"1h","threshold":5},"weight":1}]}`
	rec = v.do(t, http.MethodPut, "/v1/rules", valid, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v2", v.rules.Active().Version)

	rec = v.do(t, http.MethodPut, "/v1/rules", valid, auth)
	assert.Equal(t, http.StatusOK, rec.Code, "re-activating identical content is allowed")

	changed := `{"version":"v2","rules":[{"id":"v","type":"VELOCITY","params":{"window":"1h","threshold":50},"weight":1}]}`
	rec = v.do(t, http.MethodPut, "/v1/rules", changed, auth)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "v2", v.rules.Active().Version)
	assert.Equal(t, int64(5), v.rules.Active().Rules[0].Params.Threshold, "the first v2 content stays active")
}

func TestHealthAndReady(t *testing.T) {
	v := newEnv(t, secret)
	assert.Equal(t, http.StatusOK, v.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, v.do(t, http.MethodGet, "/ready", "", nil).Code)

	v.eval.readyErr = domain.ErrStateUnavailable
	assert.Equal(t, http.StatusServiceUnavailable, v.do(t, http.MethodGet, "/ready", "", nil).Code)
}
