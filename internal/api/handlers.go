package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-index-exporter/internal/boundary"
	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// multipartMemory is how much of an upload is held in memory before the
// multipart reader spools to disk.
const multipartMemory = 8 << 20

type startResponse struct {
	JobID          string `json:"job_id"`
	State          string `json:"state"`
	Mode           string `json:"mode"`
	BoundaryDigest string `json:"boundary_digest"`
	StatusURL      string `json:"status_url"`
	DownloadURL    string `json:"download_url"`
	geoexport.JobParameters
}

type statusResponse struct {
	JobID          string                  `json:"job_id"`
	State          string                  `json:"state"`
	Message        string                  `json:"message"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	BoundaryDigest string                  `json:"boundary_digest,omitempty"`
	Parameters     geoexport.JobParameters `json:"parameters"`
	FilesFound     *int                    `json:"files_found,omitempty"`
	ByIndex        map[string]int          `json:"by_index,omitempty"`
}

// start handles POST /start. It returns 202 with the new job id, 400 for
// a bad upload or parameters, 413 for an oversized upload and 503 when the
// job could not be recorded.
func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(multipartMemory, s.cfg.MaxUploadBytes)); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.writeError(w, r, geoexport.Invalid("file", "expected a multipart form upload"))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("remove multipart spool failed", zap.Error(err))
		}
	}()

	b, err := s.readBoundary(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := s.parseParameters(r.Form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := params.Validate(s.cfg.MinYear, s.deps.Clock.Now().Year()); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.deps.Dispatcher.Submit(r.Context(), b, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		JobID:          job.ID,
		State:          string(job.State),
		Mode:           string(params.Mode()),
		BoundaryDigest: job.BoundaryDigest,
		StatusURL:      s.jobURL("/status", job.ID),
		DownloadURL:    s.jobURL("/download-zip", job.ID),
		JobParameters:  params,
	})
}

func (s *Server) readBoundary(r *http.Request) (geoexport.Boundary, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return geoexport.Boundary{}, geoexport.Invalid("file", "a boundary file is required")
	}
	defer func() {
		_ = file.Close()
	}()
	format, err := boundary.FormatFromFilename(header.Filename)
	if err != nil {
		return geoexport.Boundary{}, err
	}
	raw, err := io.ReadAll(file)
	if err != nil {
		return geoexport.Boundary{}, fmt.Errorf("read upload: %w", err)
	}
	if len(raw) == 0 {
		return geoexport.Boundary{}, geoexport.Invalid("file", "upload is empty")
	}
	return s.deps.Normalizer.Normalize(format, raw)
}

// parseParameters applies defaults to the form fields. Range checks are
// left to JobParameters.Validate.
func (s *Server) parseParameters(form url.Values) (geoexport.JobParameters, error) {
	params := geoexport.JobParameters{
		StartYear:      s.cfg.DefaultStartYear,
		EndYear:        s.deps.Clock.Now().Year(),
		Scale:          geoexport.DefaultScale,
		ExcludeClasses: append([]int(nil), geoexport.DefaultExcludeClasses...),
	}
	var err error
	if params.StartYear, err = intField(form, "start_year", params.StartYear); err != nil {
		return params, err
	}
	if params.EndYear, err = intField(form, "end_year", params.EndYear); err != nil {
		return params, err
	}
	if params.Scale, err = intField(form, "scale", params.Scale); err != nil {
		return params, err
	}

	rawK := strings.TrimSpace(form.Get("k"))
	rawIndices := strings.TrimSpace(form.Get("indices"))
	switch {
	case rawK != "" && rawIndices != "":
		return params, geoexport.Invalid("k", "cannot be combined with indices")
	case rawK != "":
		k, err := strconv.Atoi(rawK)
		if err != nil {
			return params, geoexport.Invalid("k", "must be an integer")
		}
		if k < geoexport.MinZones {
			return params, geoexport.Invalid("k", "must be between %d and %d", geoexport.MinZones, geoexport.MaxZones)
		}
		params.Zones = k
	case rawIndices != "":
		if params.Indices, err = parseIndices(rawIndices); err != nil {
			return params, err
		}
	default:
		params.Indices = geoexport.IndexNames()
	}

	if values, ok := form["exclude_classes"]; ok {
		if params.ExcludeClasses, err = parseClasses(strings.Join(values, ",")); err != nil {
			return params, err
		}
	}
	return params, nil
}

func intField(form url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(form.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, geoexport.Invalid(name, "must be an integer")
	}
	return v, nil
}

func parseIndices(raw string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		name, ok := geoexport.LookupIndex(part)
		if !ok {
			return nil, geoexport.Invalid("indices", "unknown index %q (supported: %s)",
				strings.TrimSpace(part), strings.Join(geoexport.IndexNames(), ", "))
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, geoexport.Invalid("indices", "at least one index is required")
	}
	return out, nil
}

func parseClasses(raw string) ([]int, error) {
	out := []int{}
	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, err := strconv.Atoi(part)
		if err != nil {
			return nil, geoexport.Invalid("exclude_classes", "%q is not a class code", part)
		}
		if !seen[class] {
			seen[class] = true
			out = append(out, class)
		}
	}
	return out, nil
}

// status handles GET /status?job_id=. It never waits on the job.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		s.writeError(w, r, geoexport.Invalid("job_id", "is required"))
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := statusResponse{
		JobID:          job.ID,
		State:          string(job.State),
		Message:        job.Message,
		CreatedAt:      job.Created,
		UpdatedAt:      job.Updated,
		BoundaryDigest: job.BoundaryDigest,
		Parameters:     job.Parameters,
	}
	// Output counts are best effort; the state is authoritative.
	if job.State == geoexport.JobStateSucceeded {
		sum, err := s.deps.Archives.Summarize(r.Context(), job)
		if err != nil {
			s.logger.Warn("summarize job outputs", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			resp.FilesFound = &sum.FilesFound
			resp.ByIndex = sum.ByFolder
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// downloadZip handles GET /download-zip?job_id=&index=. Every error known
// before streaming is reported as JSON; a failure mid-stream truncates the
// archive.
func (s *Server) downloadZip(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobID := strings.TrimSpace(query.Get("job_id"))
	if jobID == "" {
		s.writeError(w, r, geoexport.Invalid("job_id", "is required"))
		return
	}
	arc, err := s.deps.Archives.Open(r.Context(), jobID, strings.TrimSpace(query.Get("index")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", arc.Filename()))
	h.Set("Cache-Control", "no-store")
	n, err := arc.WriteTo(w)
	if err == nil {
		return
	}
	if n == 0 && !errors.Is(err, context.Canceled) {
		h.Del("Content-Disposition")
		h.Set("Content-Type", "application/json")
		s.writeError(w, r, err)
		return
	}
	s.logger.Warn("archive stream aborted",
		zap.String("job_id", jobID),
		zap.Int64("bytes", n),
		zap.Error(err),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"configuration": s.cfg.Presence,
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.cfg.Probes))
	ready := true
	for name, probe := range s.cfg.Probes {
		if err := probe(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (s *Server) serviceInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":                 "s2-index-exporter",
		"version":                 s.cfg.Version,
		"formats":                 boundary.Extensions,
		"indices":                 geoexport.Indices,
		"worldcover_classes":      geoexport.WorldCoverClasses,
		"default_exclude_classes": geoexport.DefaultExcludeClasses,
		"zones":                   map[string]int{"min": geoexport.MinZones, "max": geoexport.MaxZones, "default": geoexport.DefaultZones},
		"scale":                   map[string]int{"min": geoexport.MinScale, "max": geoexport.MaxScale, "default": geoexport.DefaultScale},
		"years":                   map[string]int{"min": s.cfg.MinYear, "default_start": s.cfg.DefaultStartYear},
	})
}

func (s *Server) jobURL(path, jobID string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + path + "?job_id=" + url.QueryEscape(jobID)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("write JSON failed", zap.Error(err))
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
