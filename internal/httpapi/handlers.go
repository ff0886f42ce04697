package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

// RoomLister is the part of the hub the HTTP surface reads.
type RoomLister interface {
	ListRooms() []types.RoomState
}

// ListRooms serves the same list a room_list request returns.
func ListRooms(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(types.RoomListResponse{Rooms: rooms.ListRooms()})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
