package server

import (
	"net/http"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(rooms *Rooms) *http.ServeMux {
	ws := WebSocketHandler(rooms)

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/ws/{room}", ws)
	mux.HandleFunc("/test", TestPageHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
