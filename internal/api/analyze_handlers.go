package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/pipeline"
)

// geoJSONRequest is the body of POST /api/analyze-geojson.
type geoJSONRequest struct {
	GeoJSON json.RawMessage `json:"geojson" validate:"required"`
	Lang    string          `json:"lang" validate:"omitempty,max=16"`
}

// analyze handles POST /api/analyze with a multipart "file" part and an
// optional "lang" field.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeFailure(w, r, uploadError(err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeFailure(w, r, climate.Errorf(climate.KindInvalidRequest, "No file uploaded."))
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.opts.MaxUploadBytes {
		s.writeFailure(w, r, climate.ErrUploadTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadBytes+1))
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		s.writeFailure(w, r, climate.ErrUploadTooLarge)
		return
	}

	s.submit(w, r, pipeline.SubmitRequest{
		Submission: climate.Submission{
			Filename: header.Filename,
			Format:   climate.Format(strings.ToLower(strings.TrimSpace(r.FormValue("format")))),
			Data:     data,
		},
		Caller:      s.callerIdentity(r),
		Lang:        r.FormValue("lang"),
		RateChecked: true,
	})
}

// analyzeGeoJSON handles POST /api/analyze-geojson with a drawn area.
func (s *Server) analyzeGeoJSON(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	var req geoJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeFailure(w, r, climate.ErrUploadTooLarge)
			return
		}
		s.writeFailure(w, r, climate.Errorf(climate.KindUnsupportedFormat, "Invalid GeoJSON."))
		return
	}
	if err := s.validate.Struct(req); err != nil || string(req.GeoJSON) == "null" {
		s.writeFailure(w, r, climate.Errorf(climate.KindUnsupportedFormat, "Invalid GeoJSON."))
		return
	}

	s.submit(w, r, pipeline.SubmitRequest{
		Submission: climate.Submission{
			Filename: "drawn.geojson",
			Format:   climate.FormatGeometry,
			Inline:   req.GeoJSON,
		},
		Caller:      s.callerIdentity(r),
		Lang:        req.Lang,
		RateChecked: true,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req pipeline.SubmitRequest) {
	res, err := s.opts.Submitter.Submit(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// coverage handles GET /api/coverage.
func (s *Server) coverage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Coverage == nil {
		s.writeFailure(w, r, climate.Errorf(climate.KindNotFound, "Coverage is not configured."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"geojson": s.opts.Coverage.FeatureCollection()})
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return climate.ErrUploadTooLarge
	}
	return climate.Wrap(climate.KindInvalidRequest, err, "Invalid upload.")
}
