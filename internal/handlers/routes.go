package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Register mounts the HTTP API on r.
func Register(r *mux.Router, ah *AuthHandler, ch *ChatHandler) {
	r.HandleFunc("/auth/signup", ah.Signup).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", ah.Login).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", ah.Logout).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", ah.Me).Methods(http.MethodGet)

	r.HandleFunc("/users/me", ch.UpdateProfile).Methods(http.MethodPatch)
	r.HandleFunc("/users/search", ch.SearchUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id:[0-9]+}", ch.FindUser).Methods(http.MethodGet)

	r.HandleFunc("/chatrooms", ch.GetChatroomsForUser).Methods(http.MethodGet)
	r.HandleFunc("/chatrooms", ch.CreateChatroom).Methods(http.MethodPost)
	r.HandleFunc("/chatrooms/search", ch.SearchChatrooms).Methods(http.MethodGet)

	room := r.PathPrefix("/chatrooms/{id:[0-9]+}").Subrouter()
	room.HandleFunc("", ch.GetChatroom).Methods(http.MethodGet)
	room.HandleFunc("", ch.DeleteChatroom).Methods(http.MethodDelete)
	room.HandleFunc("/users", ch.GetUsers).Methods(http.MethodGet)
	room.HandleFunc("/users", ch.AddUsers).Methods(http.MethodPost)
	room.HandleFunc("/messages", ch.GetMessages).Methods(http.MethodGet)
	room.HandleFunc("/messages", ch.SendMessage).Methods(http.MethodPost)
	room.HandleFunc("/typing/start", ch.StartTyping).Methods(http.MethodPost)
	room.HandleFunc("/typing/stop", ch.StopTyping).Methods(http.MethodPost)
	room.HandleFunc("/enter", ch.EnterChatroom).Methods(http.MethodPost)
	room.HandleFunc("/leave", ch.LeaveChatroom).Methods(http.MethodPost)
	room.HandleFunc("/live-users", ch.GetLiveUsers).Methods(http.MethodGet)
}
