package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/jsoncodec"
)

// StartWebUIServer mounts the introspection API when it is enabled.
func (s *Service) StartWebUIServer() {
	if s.Conf == nil || !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = config.DefaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/listeners", http.HandlerFunc(s.handleGetListeners))
	s.RegisterHTTPHandler(port, "/api/listeners/{name}", http.HandlerFunc(s.handleGetListener))
}

func (s *Service) handleGetListeners(w http.ResponseWriter, r *http.Request) {
	if s.writeHeaders(w, r) {
		return
	}
	s.writeJSON(w, s.Listeners())
}

func (s *Service) handleGetListener(w http.ResponseWriter, r *http.Request) {
	if s.writeHeaders(w, r) {
		return
	}

	name := r.PathValue("name")
	for _, info := range s.Listeners() {
		if info.Name == name {
			s.writeJSON(w, info)
			return
		}
	}
	http.Error(w, "listener not found", http.StatusNotFound)
}

// writeHeaders sets the content type and CORS headers. It reports true when
// the request was a preflight that has been answered.
func (s *Service) writeHeaders(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode listeners", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
