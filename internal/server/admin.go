package server

import (
	"net/http"

	"github.com/cbeuw/chanmux/internal/server/usagemanager"
)

// AdminHandler serves the usage API under /admin and prometheus metrics on /metrics
func (sta *State) AdminHandler() http.Handler {
	router := usagemanager.APIRouterOf(sta.Tracker.Manager)
	router.Handle("/metrics", sta.Metrics.Handler()).Methods("GET")
	return router
}
