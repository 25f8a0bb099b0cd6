package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// RouteRegistrar is the minimal surface the router needs from a handler
// package: each one mounts its own routes.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewRouter assembles the public HTTP surface so the lifecycle server owns
// URL dispatch without embedding routing into the handler packages. Unmatched
// paths and methods get the same JSON error envelope the handlers use.
func NewRouter(metricsHandler http.Handler, registrars ...RouteRegistrar) *mux.Router {
	router := mux.NewRouter()
	for _, registrar := range registrars {
		if registrar == nil {
			continue
		}
		registrar.RegisterRoutes(router)
	}
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	router.NotFoundHandler = errorHandler(http.StatusNotFound, "not_found", "no route matches the request path")
	router.MethodNotAllowedHandler = errorHandler(http.StatusMethodNotAllowed, "method_not_allowed", "the route does not accept this method")
	return router
}

func errorHandler(status int, code, message string) http.Handler {
	payload := map[string]string{"error": code, "message": message}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	})
}
