// Package handlers serves the operator HTTP API.
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Routes holds the handlers mounted by NewRouter. Instances, History and Events may be nil.
type Routes struct {
	Auth      TokenValidator
	Login     *AuthHandler
	Health    *HealthHandler
	Sessions  *SessionHandler
	Messages  *MessageHandler
	Instances *InstanceHandler
	History   *HistoryHandler
	Events    *EventHub
	Logger    zerolog.Logger
}

func NewRouter(rt Routes) http.Handler {
	r := mux.NewRouter()
	r.Use(accessLog(rt.Logger))

	r.HandleFunc("/api/health", rt.Health.Health).Methods("GET")
	r.HandleFunc("/api/auth/login", rt.Login.Login).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireAuth(rt.Auth))
	api.HandleFunc("/sessions", rt.Sessions.List).Methods("GET")
	api.HandleFunc("/sessions/{id}", rt.Sessions.Get).Methods("GET")
	api.HandleFunc("/sessions/{id}/qr", rt.Sessions.QR).Methods("GET")
	api.HandleFunc("/messages", rt.Messages.Send).Methods("POST")
	if rt.History != nil {
		api.HandleFunc("/messages", rt.History.List).Methods("GET")
	}
	if rt.Instances != nil {
		api.HandleFunc("/instances", rt.Instances.List).Methods("GET")
		api.HandleFunc("/instances", rt.Instances.Create).Methods("POST")
		api.HandleFunc("/instances/{id}", rt.Instances.Get).Methods("GET")
		api.HandleFunc("/instances/{id}", rt.Instances.Update).Methods("PATCH")
	}
	if rt.Events != nil {
		api.HandleFunc("/events/ws", rt.Events.ServeWS).Methods("GET")
	}

	return corsMiddleware(r)
}
