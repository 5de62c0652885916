package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/alertbridge/pkg/www"
	"github.com/cyclopcam/alertbridge/server/broker"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	handle("GET", "/api/ping", s.httpSystemPing)
	handle("GET", "/api/alerts", s.httpAlertsList)
	handle("POST", "/api/internal/alerts", www.RateLimited(s.config.IngestRateLimit, time.Minute, s.httpAlertsCreate))
	router.Handler("GET", "/metrics", s.metrics.Handler())

	s.httpRouter = router
}

// Handler returns the top level HTTP handler.
// The live endpoint does its own CORS handling, so only the rest of the API is wrapped with the CORS policy.
func (s *Server) Handler() http.Handler {
	api := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.httpRouter)
	live := s.broker.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == broker.Prefix || strings.HasPrefix(r.URL.Path, broker.Prefix+"/") {
			live.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}
