package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
)

const kindInternal playbook.Kind = "internal"

type errorEnvelope struct {
	Error playbook.ErrorBody `json:"error"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind playbook.Kind) int {
	switch kind {
	case playbook.KindNotFound:
		return http.StatusNotFound
	case playbook.KindValidation:
		return http.StatusBadRequest
	case playbook.KindPersistence:
		return http.StatusBadGateway
	case playbook.KindInvalidTransition, playbook.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := playbook.Body(err)
	status := statusFor(body.Kind)
	if body.Kind == "" {
		body.Kind = kindInternal
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"))
}

var errBodyTooLarge = errors.New("payload exceeds limit")

// readBody reads at most MaxBodyBytes. An empty body yields nil.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, playbook.Validation("api", "unable to read body")
	}
	return data, nil
}

// decodeBody unmarshals a JSON body into out. Empty bodies are allowed only
// when optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any, optional bool) error {
	data, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			return nil
		}
		return playbook.Validation("api", "request body is required")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &playbook.Error{Kind: playbook.KindValidation, Op: "api", Message: "invalid JSON", Err: err}
	}
	return nil
}

func (s *Server) writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: playbook.ErrorBody{Kind: playbook.KindValidation, Message: err.Error()}})
		return
	}
	s.writeError(w, r, err)
}

// tenant resolves the customer id from the tenant header, falling back to
// the customer_id query parameter for clients that cannot set headers.
func (s *Server) tenant(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(s.settings.TenantHeader))
	source := s.settings.TenantHeader
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("customer_id"))
		source = "customer_id"
	}
	if raw == "" {
		return 0, playbook.Validation("api", "%s header is required", s.settings.TenantHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, playbook.Validation("api", "%s %q is not a customer id", source, raw)
	}
	if query := strings.TrimSpace(r.URL.Query().Get("customer_id")); query != "" && query != raw {
		return 0, playbook.Validation("api", "customer_id %s does not match %s", query, s.settings.TenantHeader)
	}
	return id, nil
}
