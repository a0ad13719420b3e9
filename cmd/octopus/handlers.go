package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/octopus-project/octopus/internal/alerts"
	"github.com/octopus-project/octopus/internal/archive"
	"github.com/octopus-project/octopus/internal/config"
	"github.com/octopus-project/octopus/internal/correlation"
	"github.com/octopus-project/octopus/internal/ingest"
	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/processing"
	"github.com/octopus-project/octopus/internal/scheduler"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
	"github.com/sirupsen/logrus"
)

type apiServer struct {
	config    *config.Config
	store     storage.Store
	ingest    *ingest.Service
	processor *processing.Processor
	trends    *trends.Aggregator
	corr      *correlation.Engine
	evaluator *alerts.Evaluator
	scheduler *scheduler.Service
	archiver  archive.Archiver
}

func (a *apiServer) registerRoutes(router *mux.Router) {
	router.HandleFunc("/health", a.healthHandler).Methods("GET")
	router.HandleFunc("/metrics", a.metricsHandler).Methods("GET")

	router.HandleFunc("/messages", a.ingestHandler).Methods("POST")

	router.HandleFunc("/tokens", a.createTokenHandler).Methods("POST")
	router.HandleFunc("/tokens", a.listTokensHandler).Methods("GET")
	router.HandleFunc("/tokens/{id}/active", a.setTokenActiveHandler).Methods("PUT")
	router.HandleFunc("/tokens/{id}/trend", a.trendHandler).Methods("GET")
	router.HandleFunc("/tokens/{id}/sentiment", a.sentimentHandler).Methods("GET")

	router.HandleFunc("/process/sweep", a.sweepHandler).Methods("POST")
	router.HandleFunc("/process/batch", a.processBatchHandler).Methods("POST")
	router.HandleFunc("/process/{id}", a.processHandler).Methods("POST")

	router.HandleFunc("/trending", a.trendingHandler).Methods("GET")
	router.HandleFunc("/correlation", a.correlationHandler).Methods("GET")

	router.HandleFunc("/alerts/rules", a.createRuleHandler).Methods("POST")
	router.HandleFunc("/alerts/rules", a.listRulesHandler).Methods("GET")
	router.HandleFunc("/alerts/check", a.checkAlertsHandler).Methods("POST")
	router.HandleFunc("/alerts/events", a.listEventsHandler).Methods("GET")

	router.HandleFunc("/reports/run", a.runReportHandler).Methods("POST")
	router.HandleFunc("/reports", a.listReportsHandler).Methods("GET")
	router.HandleFunc("/reports/{name}", a.getReportHandler).Methods("GET")
}

func (a *apiServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *apiServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.processor.GetMetrics())
}

func (a *apiServer) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var msgs []models.Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := a.ingest.Ingest(r.Context(), msgs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *apiServer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var token models.Token
	if err := json.NewDecoder(r.Body).Decode(&token); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if token.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	token.Active = true
	if err := a.store.CreateToken(r.Context(), &token); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "token symbol already exists")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (a *apiServer) listTokensHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	tokens, err := a.store.ListTokens(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *apiServer) setTokenActiveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.store.SetTokenActive(r.Context(), id, body.Active); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": body.Active})
}

func (a *apiServer) processHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	result, err := a.processor.Process(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) processBatchHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}

	results, err := a.processor.ProcessBatch(r.Context(), body.IDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *apiServer) sweepHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", a.config.SweepLimit)
	runID := r.URL.Query().Get("collector_run_id")

	summary, err := a.processor.ProcessUnprocessed(r.Context(), runID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *apiServer) trendHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	platform, err := queryPlatform(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := queryWidth(r, a.config.BucketWidth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := a.trends.Aggregate(r.Context(), id, platform, from, to, width)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (a *apiServer) sentimentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}
	from, to, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := a.trends.Sentiment(r.Context(), id, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *apiServer) trendingHandler(w http.ResponseWriter, r *http.Request) {
	platform, err := queryPlatform(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := queryWidth(r, a.config.BucketWidth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", a.config.TrendingLimit)

	ranking, err := a.trends.Trending(r.Context(), platform, limit, time.Now().UTC(), width)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (a *apiServer) correlationHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := queryWidth(r, a.config.BucketWidth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tokenA, err := strconv.ParseInt(r.URL.Query().Get("token_a"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token_a is required")
		return
	}

	var corr *models.Correlation
	switch method := r.URL.Query().Get("method"); method {
	case "", "mentions", "sentiment":
		tokenB, err := strconv.ParseInt(r.URL.Query().Get("token_b"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "token_b is required")
			return
		}
		if method == "sentiment" {
			corr, err = a.corr.CorrelateSentiment(r.Context(), tokenA, tokenB, from, to, width)
		} else {
			corr, err = a.corr.Correlate(r.Context(), tokenA, tokenB, from, to, width)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
	case "price":
		corr, err = a.corr.CorrelatePrice(r.Context(), tokenA, from, to, width)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown correlation method")
		return
	}

	writeJSON(w, http.StatusOK, corr)
}

// createRuleRequest accepts window and cooldown as duration strings
// ("15m", "1h") instead of raw nanoseconds.
type createRuleRequest struct {
	TokenID      *int64  `json:"token_id"`
	OtherTokenID *int64  `json:"other_token_id"`
	Metric       string  `json:"metric"`
	Comparator   string  `json:"comparator"`
	Threshold    float64 `json:"threshold"`
	Window       string  `json:"window"`
	Cooldown     string  `json:"cooldown"`
}

func (a *apiServer) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	window, err := time.ParseDuration(req.Window)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be a positive duration")
		return
	}
	cooldown := time.Duration(0)
	if req.Cooldown != "" {
		cooldown, err = time.ParseDuration(req.Cooldown)
		if err != nil || cooldown < 0 {
			writeError(w, http.StatusBadRequest, "cooldown must be a non-negative duration")
			return
		}
	}

	rule := &models.AlertRule{
		TokenID:      req.TokenID,
		OtherTokenID: req.OtherTokenID,
		Metric:       models.AlertMetric(req.Metric),
		Comparator:   models.Comparator(req.Comparator),
		Threshold:    req.Threshold,
		Window:       window,
		Cooldown:     cooldown,
		Active:       true,
	}
	if err := models.ValidateAlertRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.CreateAlertRule(r.Context(), rule); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *apiServer) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := a.store.ListAlertRules(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *apiServer) checkAlertsHandler(w http.ResponseWriter, r *http.Request) {
	var ruleID *int64
	if raw := r.URL.Query().Get("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule_id")
			return
		}
		ruleID = &id
	}

	outcomes, err := a.evaluator.Check(r.Context(), ruleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (a *apiServer) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	events, err := a.store.ListAlertEventsSince(r.Context(), since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *apiServer) listReportsHandler(w http.ResponseWriter, r *http.Request) {
	if a.archiver == nil {
		writeError(w, http.StatusNotFound, "report archival is not configured")
		return
	}

	names, err := a.archiver.List("report-")
	if err != nil {
		logrus.Errorf("Failed to list archived reports: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"reports": names})
}

func (a *apiServer) getReportHandler(w http.ResponseWriter, r *http.Request) {
	if a.archiver == nil {
		writeError(w, http.StatusNotFound, "report archival is not configured")
		return
	}

	data, err := a.archiver.Retrieve(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *apiServer) runReportHandler(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := a.scheduler.RunReport(context.Background()); err != nil {
			logrus.Errorf("Manual report trigger failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Report run triggered"})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func queryPlatform(r *http.Request) (models.Platform, error) {
	raw := r.URL.Query().Get("platform")
	if raw == "" {
		return models.PlatformAll, nil
	}
	return models.ParsePlatform(raw)
}

// queryWindow parses from/to query params, defaulting to the last 24h.
func queryWindow(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
		to = parsed
		from = to.Add(-24 * time.Hour)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		from = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func queryWidth(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("width")
	if raw == "" {
		return def, nil
	}
	width, err := time.ParseDuration(raw)
	if err != nil || width < time.Minute {
		return 0, errors.New("width must be a duration of at least one minute")
	}
	return width, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain error types onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var inputErr *models.InputError
	var ruleErr *models.RuleConfigError
	var dataErr *models.InsufficientDataError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &inputErr), errors.As(err, &ruleErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dataErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logrus.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
