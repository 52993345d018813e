package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/credential"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	paymentdomain "github.com/smallbiznis/careledger/internal/payment/domain"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminToken = "operator-secret"

type fakeDonations struct {
	donationdomain.Service

	byExternal map[string]donationdomain.Donation
	recordErr  error
	syncErr    error
	nextID     snowflake.ID
}

func newFakeDonations() *fakeDonations {
	return &fakeDonations{byExternal: map[string]donationdomain.Donation{}, nextID: 1000}
}

func (f *fakeDonations) Record(_ context.Context, req donationdomain.RecordRequest) (donationdomain.Donation, bool, error) {
	if f.recordErr != nil {
		return donationdomain.Donation{}, false, f.recordErr
	}
	if existing, ok := f.byExternal[req.ExternalTxID]; ok {
		return existing, false, nil
	}
	f.nextID++
	donation := donationdomain.Donation{
		ID:            f.nextID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		ExternalTxID:  req.ExternalTxID,
		Status:        donationdomain.StatusPending,
	}
	f.byExternal[req.ExternalTxID] = donation
	return donation, true, nil
}

func (f *fakeDonations) Get(_ context.Context, id snowflake.ID) (donationdomain.Donation, error) {
	for _, d := range f.byExternal {
		if d.ID == id {
			return d, nil
		}
	}
	return donationdomain.Donation{}, donationdomain.ErrNotFound
}

func (f *fakeDonations) Sync(_ context.Context, id snowflake.ID) (donationdomain.SyncResult, error) {
	if f.syncErr != nil {
		return donationdomain.SyncResult{}, f.syncErr
	}
	return donationdomain.SyncResult{DonationID: id, Outcome: donationdomain.SyncConfirmed}, nil
}

type fakePayments struct {
	result paymentdomain.IngestResult
	err    error
	calls  int
}

func (f *fakePayments) IngestWebhook(_ context.Context, provider string, _ []byte, _ http.Header) (paymentdomain.IngestResult, error) {
	f.calls++
	if f.err != nil {
		return paymentdomain.IngestResult{}, f.err
	}
	res := f.result
	res.Provider = provider
	return res, nil
}

type testDeps struct {
	donations *fakeDonations
	payments  *fakePayments
	tasks     []scheduler.Task
	admin     *credential.Matcher
}

func newTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if deps.donations == nil {
		deps.donations = newFakeDonations()
	}
	if deps.payments == nil {
		deps.payments = &fakePayments{}
	}
	if deps.admin == nil {
		deps.admin = credential.NewMatcher(testAdminToken, "")
	}
	sched, err := scheduler.New(scheduler.Params{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		Tasks: deps.tasks,
	})
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	s := &Server{
		engine:      engine,
		cfg:         config.Config{Environment: "test"},
		log:         zap.NewNop(),
		admin:       deps.admin,
		donationSvc: deps.donations,
		paymentSvc:  deps.payments,
		scheduler:   sched,
	}
	s.registerAPIRoutes()
	s.registerAdminRoutes()
	s.registerFallback()
	return s
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestRecordFiatDonationCreatesThenReplays(t *testing.T) {
	s := newTestServer(t, testDeps{})
	body := `{"donorId":"42","amount":1500,"currency":"PHP","paymentMethod":"gcash","externalTxId":"gc-1"}`

	first := doRequest(s, http.MethodPost, "/api/donations/fiat", body, nil)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	var created donationResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	assert.True(t, created.Created)
	assert.Equal(t, int64(1500), created.Donation.Amount)

	second := doRequest(s, http.MethodPost, "/api/donations/fiat", body, nil)
	require.Equal(t, http.StatusOK, second.Code)

	var replayed donationResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &replayed))
	assert.False(t, replayed.Created)
	assert.Equal(t, created.Donation.ID, replayed.Donation.ID)
}

func TestRecordFiatDonationRejectsBadInput(t *testing.T) {
	t.Run("fractional amount", func(t *testing.T) {
		s := newTestServer(t, testDeps{})
		rec := doRequest(s, http.MethodPost, "/api/donations/fiat", `{"donorId":"42","amount":12.5}`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		payload := decodeError(t, rec)
		assert.Equal(t, "validation_error", payload.Type)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "invalid_request", payload.Errors[0].Code)
	})

	t.Run("domain validation", func(t *testing.T) {
		donations := newFakeDonations()
		donations.recordErr = fmt.Errorf("%w: amount must be positive", donationdomain.ErrInvalidDonation)
		s := newTestServer(t, testDeps{donations: donations})

		rec := doRequest(s, http.MethodPost, "/api/donations/fiat", `{"donorId":"42","amount":0,"externalTxId":"x"}`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		payload := decodeError(t, rec)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "invalid_donation", payload.Errors[0].Code)
		assert.Equal(t, "amount must be positive", payload.Errors[0].Message)
	})
}

func TestGetDonationErrors(t *testing.T) {
	s := newTestServer(t, testDeps{})

	rec := doRequest(s, http.MethodGet, "/api/donations/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/donations/777", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestAdminAuth(t *testing.T) {
	t.Run("disabled without a configured token", func(t *testing.T) {
		s := newTestServer(t, testDeps{admin: credential.NewMatcher("", "")})
		rec := doRequest(s, http.MethodGet, "/admin/tasks", "", bearer("anything"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		s := newTestServer(t, testDeps{})
		rec := doRequest(s, http.MethodGet, "/admin/tasks", "", bearer("nope"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		s := newTestServer(t, testDeps{})
		rec := doRequest(s, http.MethodGet, "/admin/tasks", "", bearer(testAdminToken))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("header token against hash", func(t *testing.T) {
		hash, err := credential.Hash(testAdminToken)
		require.NoError(t, err)
		s := newTestServer(t, testDeps{admin: credential.NewMatcher("", hash)})
		rec := doRequest(s, http.MethodGet, "/admin/tasks", "", map[string]string{HeaderAdminToken: testAdminToken})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRunTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tasks := []scheduler.Task{
		{
			Name: "reconcile",
			Run: func(ctx context.Context, batchSize int) (scheduler.Result, error) {
				return scheduler.Result{Processed: 3, Failed: 1}, errors.New("auction 9: ledger unavailable")
			},
		},
		{
			Name: "slow",
			Run: func(ctx context.Context, batchSize int) (scheduler.Result, error) {
				close(started)
				<-release
				return scheduler.Result{Processed: 1}, nil
			},
		},
	}
	s := newTestServer(t, testDeps{tasks: tasks})
	auth := bearer(testAdminToken)

	rec := doRequest(s, http.MethodGet, "/admin/tasks", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":["reconcile","slow"]}`, rec.Body.String())

	rec = doRequest(s, http.MethodPost, "/admin/tasks/unknown/run", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodPost, "/admin/tasks/reconcile/run", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp taskRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Result.Processed)
	assert.Equal(t, 1, resp.Result.Failed)
	assert.Contains(t, resp.Error, "ledger unavailable")

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- doRequest(s, http.MethodPost, "/admin/tasks/slow/run", "", auth)
	}()
	<-started

	rec = doRequest(s, http.MethodPost, "/admin/tasks/slow/run", "", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "task is already running", decodeError(t, rec).Message)

	close(release)
	assert.Equal(t, http.StatusOK, (<-done).Code)
}

func TestSyncDonationMapsLedgerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "unavailable", err: chain.Unavailable("submit_donation", errors.New("dial tcp: timeout")), status: http.StatusServiceUnavailable, kind: "ledger_unavailable"},
		{name: "rejected", err: chain.Rejected("submit_donation", errors.New("execution reverted")), status: http.StatusBadGateway, kind: "ledger_rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			donations := newFakeDonations()
			donations.syncErr = tt.err
			s := newTestServer(t, testDeps{donations: donations})

			rec := doRequest(s, http.MethodPost, "/admin/donations/55/sync", "", bearer(testAdminToken))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Type)
		})
	}
}

func TestPaymentWebhook(t *testing.T) {
	t.Run("accepted without a limiter", func(t *testing.T) {
		payments := &fakePayments{result: paymentdomain.IngestResult{EventType: paymentdomain.EventTypePaymentSucceeded, Created: true}}
		s := newTestServer(t, testDeps{payments: payments})

		rec := doRequest(s, http.MethodPost, "/api/payments/webhooks/paymaya", `{"id":"pm-1"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, payments.calls)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

		var body struct {
			Status string                     `json:"status"`
			Data   paymentdomain.IngestResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "paymaya", body.Data.Provider)
	})

	t.Run("bad signature", func(t *testing.T) {
		payments := &fakePayments{err: paymentdomain.ErrInvalidSignature}
		s := newTestServer(t, testDeps{payments: payments})

		rec := doRequest(s, http.MethodPost, "/api/payments/webhooks/stripe", `{}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		payments := &fakePayments{err: paymentdomain.ErrProviderNotFound}
		s := newTestServer(t, testDeps{payments: payments})

		rec := doRequest(s, http.MethodPost, "/api/payments/webhooks/adyen", `{}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, testDeps{})
	rec := doRequest(s, http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(chain.Unavailable("finalize_auction", errors.New("eof")))
	assert.Equal(t, "ledger_unavailable", typ)
	assert.Equal(t, string(chain.KindLedgerUnavailable), code)

	typ, code = classifyErrorForLog(fmt.Errorf("%w: bad", donationdomain.ErrInvalidDonation))
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_donation", code)

	typ, code = classifyErrorForLog(nil)
	assert.Empty(t, typ)
	assert.Empty(t, code)
}

func TestParseOptionalTime(t *testing.T) {
	got, err := parseOptionalTime("2025-06-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseOptionalTime("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseOptionalTime("June 1st")
	assert.Error(t, err)
}
