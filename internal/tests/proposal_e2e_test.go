package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/auth"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/config"
	"github.com/CL-j-nc/xinhexin-api/internal/db"
	"github.com/CL-j-nc/xinhexin-api/internal/delegated"
	httpapi "github.com/CL-j-nc/xinhexin-api/internal/http"
	"github.com/CL-j-nc/xinhexin-api/internal/http/handlers"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
	"github.com/CL-j-nc/xinhexin-api/internal/proposal"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
	"github.com/CL-j-nc/xinhexin-api/internal/underwriting"
	"github.com/CL-j-nc/xinhexin-api/internal/verification"

	_ "github.com/lib/pq"
)

func TestMain(m *testing.M) {
	// Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	os.Exit(m.Run())
}

type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that the test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, RunMigrations(database), "migrations must run successfully")

	codes, err := cache.Open(cache.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = codes.Close() })

	zlog := zap.NewNop()

	proposalRepo := repo.NewProposalRepo(database)
	decisionRepo := repo.NewDecisionRepo(database)
	authLimitRepo := repo.NewAuthLimitRepo(database)
	auditLogRepo := repo.NewAuditLogRepo(database)
	policyRepo := repo.NewPolicyRepo(database)

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	proposalService := proposal.NewService(proposalRepo, decisionRepo, policyRepo, codes, zlog)
	recorder := underwriting.NewRecorder(proposalRepo, decisionRepo, authLimitRepo, codes, zlog, cfg.AuthCodeTTL, cfg.MaxAuthAttempts)
	gate := verification.NewGate(proposalRepo, decisionRepo, authLimitRepo, codes, zlog)
	delegatedService := delegated.NewService(proposalRepo, policyRepo, auditLogRepo, zlog)

	proposalHandler := handlers.NewProposalHandler(proposalService, recorder, gate, zlog)
	adminHandler := handlers.NewAdminHandler(delegatedService, zlog)
	tokenHandler := handlers.NewTokenHandler(jwtService, "test", zlog)

	router := httpapi.NewRouter(proposalHandler, adminHandler, tokenHandler, jwtService, database)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database}
}

func (s *testServer) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAll(context.Background(), s.DB), "truncate tables")
}

func postJSON(t *testing.T, client *http.Client, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, client *http.Client, url, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	}
	return body
}

func submission() map[string]interface{} {
	return map[string]interface{}{
		"vehicle": map[string]string{
			"plate": "京A12345",
			"vin":   "LVSHCAMB0FE000001",
		},
		"owner": map[string]string{
			"name":   "Wang Lei",
			"mobile": "13812345678",
		},
		"coverages": []map[string]interface{}{
			{
				"type":           "third_party_liability",
				"sum_insured":    1000000,
				"effective_date": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
			},
		},
	}
}

func TestProposalE2E(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping E2E test")
	}

	ts := newTestServer(t)
	baseURL := ts.Server.URL
	client := ts.Server.Client()

	mintToken := func(t *testing.T, id, name, role string) string {
		resp, body := postJSON(t, client, baseURL+"/api/dev/token", "", map[string]string{
			"operator_id": id, "name": name, "role": role,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return body["token"].(string)
	}

	t.Run("A_Health", func(t *testing.T) {
		resp, body := getJSON(t, client, baseURL+"/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("B_FullLifecycle", func(t *testing.T) {
		ts.Truncate(t)

		resp, body := postJSON(t, client, baseURL+"/api/proposals", "", submission())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		proposalID := body["proposal_id"].(string)
		assert.Equal(t, string(model.StatusSubmitted), body["status"])

		resp, body = getJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(model.StatusSubmitted), body["status"])

		resp, body = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/decision", "", map[string]interface{}{
			"acceptance":            "ACCEPT",
			"final_premium":         3580.50,
			"policy_effective_date": time.Now().Add(-time.Hour).Format(time.RFC3339),
			"policy_expiry_date":    time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339),
			"underwriter_name":      "Chen Ming",
			"payment_link":          "https://pay.example.com/p/abc",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
		authCode := body["auth_code"].(string)
		require.Len(t, authCode, 6)

		// Wrong code is refused.
		resp, _ = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/verify", "", map[string]string{
			"mobile": "13812345678", "code": "000000",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		// Correct pair releases the confirmed terms.
		resp, body = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/verify", "", map[string]string{
			"mobile": "138 1234 5678", "code": authCode,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
		assert.Equal(t, 3580.50, body["final_premium"])

		resp, _ = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/pay", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/issue", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		policyID := body["policy_id"].(string)

		resp, _ = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/complete", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// Terminal proposal now answers verification with the closing message.
		resp, body = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/verify", "", map[string]string{
			"mobile": "13812345678", "code": authCode,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, verification.ExpiredMessage, body["message"])

		resp, body = getJSON(t, client, baseURL+"/api/policies/"+policyID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(model.PolicyIssued), body["status"])
		assert.Equal(t, true, body["in_force"])
	})

	t.Run("C_RejectFlow", func(t *testing.T) {
		ts.Truncate(t)

		resp, body := postJSON(t, client, baseURL+"/api/proposals", "", submission())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		proposalID := body["proposal_id"].(string)

		resp, body = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/decision", "", map[string]interface{}{
			"acceptance":            "REJECT",
			"risk_reason":           "vehicle previously declared total loss",
			"policy_effective_date": time.Now().Format(time.RFC3339),
			"policy_expiry_date":    time.Now().Add(time.Hour).Format(time.RFC3339),
			"underwriter_name":      "Chen Ming",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
		assert.Nil(t, body["auth_code"])

		resp, body = getJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(model.StatusRejected), body["status"])
		assert.Equal(t, "vehicle previously declared total loss", body["reason"])

		// Rejected proposals cannot be paid.
		resp, _ = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/pay", "", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("D_AdminDualControl", func(t *testing.T) {
		ts.Truncate(t)

		operatorToken := mintToken(t, "op-l3", "Zhou Min", "L3")
		reviewerToken := mintToken(t, "op-reviewer", "Wu Gang", "L3")

		// No token, no admin surface.
		resp, _ := postJSON(t, client, baseURL+"/api/admin/substitute-auth", "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, body := postJSON(t, client, baseURL+"/api/proposals", "", submission())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		proposalID := body["proposal_id"].(string)

		resp, _ = postJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/decision", "", map[string]interface{}{
			"acceptance":            "ACCEPT",
			"final_premium":         3580.50,
			"policy_effective_date": time.Now().Format(time.RFC3339),
			"policy_expiry_date":    time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339),
			"underwriter_name":      "Chen Ming",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body = postJSON(t, client, baseURL+"/api/admin/substitute-payment", operatorToken, map[string]string{
			"proposal_id":  proposalID,
			"reason":       "client paid via branch POS terminal",
			"evidence_url": "https://evidence.example.com/receipts/991",
			"reviewer_id":  "op-reviewer",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
		logID := body["id"].(string)
		assert.Equal(t, true, body["pending"])

		resp, body = getJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(model.StatusPaid), body["status"])

		// Reviewer queue shows the pending act.
		resp, body = getJSON(t, client, baseURL+"/api/admin/reviews/pending", reviewerToken)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		entries := body["entries"].([]interface{})
		require.Len(t, entries, 1)

		// The acting operator cannot resolve their own act.
		resp, _ = postJSON(t, client, baseURL+"/api/admin/reviews/"+logID, operatorToken, map[string]interface{}{
			"approve": true,
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		// Rejection rolls the payment back.
		resp, body = postJSON(t, client, baseURL+"/api/admin/reviews/"+logID, reviewerToken, map[string]interface{}{
			"approve": false,
			"reason":  "receipt does not match the premium amount",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

		resp, body = getJSON(t, client, baseURL+"/api/proposals/"+proposalID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(model.StatusUnderwritingConfirmed), body["status"])

		// The audit trail keeps the full history of the act.
		resp, body = getJSON(t, client, fmt.Sprintf("%s/api/admin/audit-log?target_id=%s", baseURL, proposalID), reviewerToken)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		entries = body["entries"].([]interface{})
		require.Len(t, entries, 1)
		first := entries[0].(map[string]interface{})
		assert.Equal(t, false, first["pending"])
		assert.Equal(t, false, first["review_approved"])
	})
}
