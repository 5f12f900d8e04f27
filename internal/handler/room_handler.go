/*
Package handler provides HTTP handler functions for inspecting active rooms and their rosters.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/app/directory"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/resp"
)

// RoomSummary is one entry of the room listing.
type RoomSummary struct {
	Room  string `json:"room"`
	Users int    `json:"users"`
}

// HandleListRooms returns every room that currently has participants.
func HandleListRooms(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms := deps.Router.Directory().Rooms()

		data := make([]RoomSummary, 0, len(rooms))
		for _, room := range rooms {
			data = append(data, RoomSummary{
				Room:  room,
				Users: len(deps.Router.Roster(room).Users),
			})
		}

		resp.RespondSuccess(w, r, data)
	}
}

// HandleRoomUsers returns the roster snapshot of one room. An empty room yields an empty roster.
func HandleRoomUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := directory.Normalize(chi.URLParam(r, "room"))
		if room == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		resp.RespondSuccess(w, r, deps.Router.Roster(room))
	}
}
