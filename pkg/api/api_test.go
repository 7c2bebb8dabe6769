package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/clinval/clinval/pkg/api"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/terminology"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) http.Handler {
	idx := schemaindex.NewIndex(schemaindex.VersionR4)
	idx.Freeze()
	srv := api.New(api.Config{Index: idx, Terminology: terminology.NewStore(), ProjectID: "proj"})
	return srv.Handler()
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestValidate_RejectsMissingBundle(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidate_EmptyBundleYieldsOneFinding(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"bundle": map[string]interface{}{"resourceType": "Bundle", "entry": []interface{}{}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Errors []struct {
			ErrorCode string `json:"ErrorCode"`
		} `json:"Errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "EMPTY_BUNDLE", resp.Errors[0].ErrorCode)
}

func TestValidate_RejectsInvalidMode(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"bundle": map[string]interface{}{"resourceType": "Bundle", "entry": []interface{}{}},
		"mode":   "bogus",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
