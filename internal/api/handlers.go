package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
	"github.com/turbolytics/patina/internal/archiver"
	"github.com/turbolytics/patina/internal/codec"
	"github.com/turbolytics/patina/internal/ledger"
	"github.com/turbolytics/patina/internal/registry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	recentJobsLimit  = 10
	restoreListLimit = 10
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatRetention(d time.Duration) string {
	day := 24 * time.Hour
	switch {
	case d > 0 && d%(7*day) == 0:
		return fmt.Sprintf("%d weeks", d/(7*day))
	case d > 0 && d%day == 0:
		return fmt.Sprintf("%d days", d/day)
	}
	return d.String()
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	schedule := map[string]string{}
	if s.schedule != nil {
		schedule["cron"] = s.schedule.Spec()
		schedule["next"] = formatTime(s.schedule.Next(s.now()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "Patina",
		"version":        Version,
		"description":    "Automated SQLite database backups",
		"schedule":       schedule,
		"retention":      formatRetention(s.retention),
		"sources":        len(s.sources),
		"authentication": "Protected endpoints require: Authorization: Bearer <api-key>",
		"endpoints": map[string]any{
			"public": map[string]string{
				"GET /":       "This documentation",
				"GET /health": "Health check for monitoring",
			},
			"protected": map[string]string{
				"GET /status":                   "Current backup status and recent history",
				"GET /list":                     "List available backups (supports ?source=&date=&limit=&offset=)",
				"POST /trigger":                 "Manually trigger a backup",
				"GET /download/{date}/{source}": "Download a specific backup file",
				"GET /restore-guide/{source}":   "Restore instructions for a source",
			},
		},
	})
}

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
	Version   string          `json:"version"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]bool{
		"ledger":  true,
		"storage": true,
	}

	if err := s.ledger.Ping(ctx); err != nil {
		s.logger.Warn("health check: ledger unavailable", zap.Error(err))
		checks["ledger"] = false
	}
	if _, err := s.store.List(ctx, "", 1); err != nil {
		s.logger.Warn("health check: storage unavailable", zap.Error(err))
		checks["storage"] = false
	}

	status, code := "healthy", http.StatusOK
	switch {
	case !checks["ledger"] && !checks["storage"]:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case !checks["ledger"] || !checks["storage"]:
		status = "degraded"
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: formatTime(s.now()),
		Checks:    checks,
		Version:   Version,
	})
}

type lastBackup struct {
	JobID      string `json:"jobId"`
	Date       string `json:"date"`
	Status     string `json:"status"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	TotalSize  string `json:"totalSize"`
	Duration   string `json:"duration"`
}

type jobCounts struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type recentJob struct {
	JobID   string    `json:"jobId"`
	Date    string    `json:"date"`
	Status  string    `json:"status"`
	Trigger string    `json:"trigger"`
	Sources jobCounts `json:"sources"`
}

type storageSummary struct {
	TotalBackups int    `json:"totalBackups"`
	TotalSize    string `json:"totalSize"`
	TotalBytes   int64  `json:"totalBytes"`
	OldestBackup string `json:"oldestBackup"`
	NewestBackup string `json:"newestBackup"`
}

type statusResponse struct {
	CurrentStatus string         `json:"currentStatus"`
	LastBackup    *lastBackup    `json:"lastBackup"`
	NextScheduled string         `json:"nextScheduled"`
	RecentJobs    []recentJob    `json:"recentJobs"`
	Storage       storageSummary `json:"storage"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		CurrentStatus: "idle",
		RecentJobs:    []recentJob{},
	}

	running, err := s.ledger.RunningJob(ctx)
	if err != nil {
		s.internalError(w, "Failed to get status", err)
		return
	}
	if running != nil || (s.trigger != nil && s.trigger.Running()) {
		resp.CurrentStatus = "running"
	}

	last, err := s.ledger.LastCompletedJob(ctx)
	if err != nil {
		s.internalError(w, "Failed to get status", err)
		return
	}
	if last != nil {
		resp.LastBackup = &lastBackup{
			JobID:      last.ID,
			Date:       formatTime(last.StartedAt),
			Status:     string(last.Status),
			Successful: last.Successful,
			Failed:     last.Failed,
			TotalSize:  codec.HumanizeBytes(last.TotalBytes),
			Duration:   last.Duration.String(),
		}
	}

	if s.schedule != nil {
		resp.NextScheduled = formatTime(s.schedule.Next(s.now()))
	}

	jobs, err := s.ledger.RecentJobs(ctx, recentJobsLimit)
	if err != nil {
		s.internalError(w, "Failed to get status", err)
		return
	}
	for _, j := range jobs {
		resp.RecentJobs = append(resp.RecentJobs, recentJob{
			JobID:   j.ID,
			Date:    formatTime(j.StartedAt),
			Status:  string(j.Status),
			Trigger: string(j.Trigger),
			Sources: jobCounts{Successful: j.Successful, Failed: j.Failed},
		})
	}

	stats, err := s.ledger.StorageStats(ctx)
	if err != nil {
		s.internalError(w, "Failed to get status", err)
		return
	}
	resp.Storage = storageSummary{
		TotalBackups: stats.TotalBackups,
		TotalSize:    codec.HumanizeBytes(stats.TotalBytes),
		TotalBytes:   stats.TotalBytes,
		OldestBackup: stats.OldestDate,
		NewestBackup: stats.NewestDate,
	}

	writeJSON(w, http.StatusOK, resp)
}

type backupEntry struct {
	Source      string `json:"source"`
	Date        string `json:"date"`
	Key         string `json:"key"`
	Size        string `json:"size"`
	SizeBytes   int64  `json:"sizeBytes"`
	Tables      int    `json:"tables"`
	Rows        int    `json:"rows"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	DownloadURL string `json:"downloadUrl"`
}

type listResponse struct {
	Backups  []backupEntry `json:"backups"`
	Total    int           `json:"total"`
	Filtered int           `json:"filtered"`
}

func parseNonNegative(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", v)
	}
	return n, nil
}

func (s *Server) downloadURL(date, source string) string {
	return strings.TrimSuffix(s.publicURL, "/") + "/download/" + date + "/" + source
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := ledger.Filter{
		Source: q.Get("source"),
		Date:   q.Get("date"),
	}
	if f.Source == "" {
		f.Source = q.Get("database")
	}
	if f.Date != "" && !codec.ValidDate(f.Date) {
		writeError(w, http.StatusBadRequest, "Invalid date", "Use YYYY-MM-DD")
		return
	}

	limit, err := parseNonNegative(q.Get("limit"), defaultListLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := parseNonNegative(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err.Error())
		return
	}
	f.Limit = limit
	f.Offset = offset

	total, err := s.ledger.CountInventory(r.Context(), f)
	if err != nil {
		s.internalError(w, "Failed to list backups", err)
		return
	}
	entries, err := s.ledger.ListInventory(r.Context(), f)
	if err != nil {
		s.internalError(w, "Failed to list backups", err)
		return
	}

	resp := listResponse{
		Backups: make([]backupEntry, 0, len(entries)),
		Total:   total,
	}
	for _, e := range entries {
		resp.Backups = append(resp.Backups, backupEntry{
			Source:      e.SourceName,
			Date:        e.BackupDate,
			Key:         e.ArtifactKey,
			Size:        codec.HumanizeBytes(e.SizeBytes),
			SizeBytes:   e.SizeBytes,
			Tables:      e.TableCount,
			Rows:        e.RowCount,
			CreatedAt:   formatTime(e.CreatedAt),
			ExpiresAt:   formatTime(e.ExpiresAt),
			DownloadURL: s.downloadURL(e.BackupDate, e.SourceName),
		})
	}
	resp.Filtered = len(resp.Backups)

	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	Sources   []string `json:"sources"`
	Databases []string `json:"databases"`
	Reason    string   `json:"reason"`
}

type triggerResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Sources int    `json:"sources"`
	Message string `json:"message"`
}

func (s *Server) triggerBackup(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	sources := req.Sources
	if len(sources) == 0 {
		sources = req.Databases
	}

	jobID, err := s.trigger.Start(r.Context(), ledger.TriggerManual, archiver.RunOptions{
		Sources: sources,
		Reason:  req.Reason,
	})
	switch {
	case errors.Is(err, archiver.ErrJobInProgress):
		writeError(w, http.StatusConflict, "Backup already running", "Check /status for progress")
		return
	case errors.Is(err, registry.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, "Unknown source", err.Error())
		return
	case err != nil:
		s.internalError(w, "Failed to start backup", err)
		return
	}

	n := len(sources)
	if n == 0 {
		n = len(s.sources)
	}

	s.logger.Info("manual backup triggered",
		zap.String("job_id", jobID),
		zap.Int("sources", n),
		zap.String("reason", req.Reason),
	)

	writeJSON(w, http.StatusAccepted, triggerResponse{
		JobID:   jobID,
		Status:  "started",
		Sources: n,
		Message: "Backup job started. Check /status for progress.",
	})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	source := chi.URLParam(r, "source")

	if !codec.ValidDate(date) {
		writeError(w, http.StatusBadRequest, "Invalid date", "Use YYYY-MM-DD")
		return
	}
	if !registry.ValidName(source) {
		writeError(w, http.StatusBadRequest, "Invalid source name", "")
		return
	}

	rc, err := s.store.Get(r.Context(), codec.ArtifactKey(date, source))
	if errors.Is(err, internal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Backup not found",
			fmt.Sprintf("No backup of %s on %s", source, date))
		return
	}
	if err != nil {
		s.internalError(w, "Failed to read backup", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/sql")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.sql"`, source, date))
	s.setCatalogHeaders(r.Context(), w.Header(), codec.ArtifactKey(date, source))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted",
			zap.String("source", source),
			zap.String("date", date),
			zap.Error(err),
		)
	}
}

// catalogHeaders maps artifact metadata onto response headers.
var catalogHeaders = map[string]string{
	"job-id":      "X-Patina-Job-Id",
	"table-count": "X-Patina-Table-Count",
	"row-count":   "X-Patina-Row-Count",
	"started-at":  "X-Patina-Started-At",
}

func (s *Server) setCatalogHeaders(ctx context.Context, h http.Header, key string) {
	md, err := s.store.Metadata(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read backup metadata",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	for name, header := range catalogHeaders {
		if v, ok := md[name]; ok && v != "" {
			h.Set(header, v)
		}
	}
}

type availableBackup struct {
	Date string `json:"date"`
	Size string `json:"size"`
}

type restoreMethod struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
	Note  string   `json:"note"`
}

type restoreGuideResponse struct {
	Source           string            `json:"source"`
	SourceID         string            `json:"sourceId"`
	Description      string            `json:"description"`
	Priority         string            `json:"priority"`
	AvailableBackups []availableBackup `json:"availableBackups"`
	Instructions     []restoreMethod   `json:"restoreInstructions"`
}

func (s *Server) restoreGuide(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	src, ok := s.lookupSource(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Source not found", name)
		return
	}

	entries, err := s.ledger.ListInventory(r.Context(), ledger.Filter{Source: name, Limit: restoreListLimit})
	if err != nil {
		s.internalError(w, "Failed to list backups", err)
		return
	}

	backups := make([]availableBackup, 0, len(entries))
	for _, e := range entries {
		backups = append(backups, availableBackup{
			Date: e.BackupDate,
			Size: codec.HumanizeBytes(e.SizeBytes),
		})
	}

	file := src.Name + "-backup.sql"
	// the server's own filesystem layout is not exposed
	db := src.Name + ".db"
	writeJSON(w, http.StatusOK, restoreGuideResponse{
		Source:           src.Name,
		SourceID:         src.ID,
		Description:      src.Description,
		Priority:         string(src.Priority),
		AvailableBackups: backups,
		Instructions: []restoreMethod{
			{
				Name: "sqlite3 CLI (in place)",
				Steps: []string{
					fmt.Sprintf(`1. Download backup: curl -H "Authorization: Bearer <api-key>" -o %s %s`, file, s.downloadURL("YYYY-MM-DD", src.Name)),
					"2. Review the SQL file to ensure it is correct",
					fmt.Sprintf("3. Stop writers, then execute: sqlite3 %s < %s", db, file),
					fmt.Sprintf(`4. Verify: sqlite3 %s "SELECT COUNT(*) FROM sqlite_master WHERE type='table'"`, db),
				},
				Note: "This drops and recreates every table in the dump. Existing data in those tables is replaced.",
			},
			{
				Name: "Fresh file and swap",
				Steps: []string{
					fmt.Sprintf("1. Download the backup as above to %s", file),
					fmt.Sprintf("2. Build a new database: sqlite3 %s.restored < %s", db, file),
					fmt.Sprintf(`3. Check it: sqlite3 %s.restored "PRAGMA integrity_check"`, db),
					fmt.Sprintf("4. Stop writers and move %s.restored over %s", db, db),
				},
				Note: "The live database stays untouched until the final move.",
			},
		},
	})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg, err.Error())
}
