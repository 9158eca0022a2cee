package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler returns the router wrapped for serving. Metrics runs as router middleware so the
// matched route template is available for its label.
func (s *Server) Handler(counter *prometheus.CounterVec) http.Handler {
	if counter != nil {
		s.Mux.Use(Metrics(counter))
	}
	return Logging(s.Mux)
}
