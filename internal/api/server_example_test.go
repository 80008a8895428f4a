package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/config"
)

// ExampleNewServer shows how to list paused runs over HTTP.
func ExampleNewServer() {
	svc := newFakeService()
	svc.runs["run-1"] = catalog.RunRecord{RunID: "run-1", Status: catalog.RunPaused}
	svc.runs["run-2"] = catalog.RunRecord{RunID: "run-2", Status: catalog.RunCompleted}
	server := NewServer(svc, nil, nil, config.Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=paused&limit=1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var payload struct {
		Runs []catalog.RunRecord `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("paused runs: %d (%s)\n", len(payload.Runs), payload.Runs[0].RunID)
	// Output:
	// paused runs: 1 (run-1)
}
