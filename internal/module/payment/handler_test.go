package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/shared/middleware"
)

const testJWTSecret = "handler-test-secret"

func newTestRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api/v1", middleware.Auth(testJWTSecret))
	NewHandler(svc).RegisterRoutes(api)
	return router
}

func staffToken(t *testing.T, userID string, role middleware.Role) string {
	t.Helper()
	token, err := middleware.GenerateToken(testJWTSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHandler_CreateRefund_ActingManagerIsAuthorizer(t *testing.T) {
	repo := newFakeRepo()
	gw := new(mockGateway)
	svc := newTestService(repo, gw)
	router := newTestRouter(t, svc)
	tx := seedSucceededTransaction(t, repo, "50.00")

	gw.On("CreateRefund", mock.Anything, mock.Anything).Return(&gateway.Refund{
		ID: "re_1", Status: "succeeded",
	}, nil)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/payments/"+tx.ID.String()+"/refunds", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+staffToken(t, "mgr-3", middleware.RoleManager))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ref, err := repo.GetRefund(context.Background(), resp.ID)
	require.NoError(t, err)
	require.NotNil(t, ref.AuthorizedBy)
	assert.Equal(t, "mgr-3", *ref.AuthorizedBy)
	require.NotNil(t, ref.ProcessedBy)
	assert.Equal(t, "mgr-3", *ref.ProcessedBy)
}

func TestHandler_CreateRefund_ExplicitAuthorizerKept(t *testing.T) {
	repo := newFakeRepo()
	gw := new(mockGateway)
	svc := newTestService(repo, gw)
	router := newTestRouter(t, svc)
	tx := seedSucceededTransaction(t, repo, "50.00")

	gw.On("CreateRefund", mock.Anything, mock.Anything).Return(&gateway.Refund{
		ID: "re_2", Status: "succeeded",
	}, nil)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/payments/"+tx.ID.String()+"/refunds",
		strings.NewReader(`{"authorized_by":"mgr-on-duty"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+staffToken(t, "mgr-3", middleware.RoleManager))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ref, err := repo.GetRefund(context.Background(), resp.ID)
	require.NoError(t, err)
	require.NotNil(t, ref.AuthorizedBy)
	assert.Equal(t, "mgr-on-duty", *ref.AuthorizedBy)
}

func TestHandler_CreateRefund_CashierForbidden(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, new(mockGateway))
	router := newTestRouter(t, svc)
	tx := seedSucceededTransaction(t, repo, "50.00")

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/payments/"+tx.ID.String()+"/refunds", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+staffToken(t, "cashier-1", middleware.RoleCashier))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
