// Pointbox Planning Poker
//
// Participants join a room by display name, cast hidden estimates, and reveal
// them together. The room engine lives in room.go/hub.go/store.go; this file
// is the front door.
//
// Features:
// - One websocket endpoint; the join frame selects (or creates) the room
// - Rooms created lazily, stale room links resurrect an empty room
// - Reconnection under the same name keeps the prior vote
// - Votes hidden per-viewer until revealed, then shown to everyone
// - First joiner of a room is its creator
// - Presence swept on a fixed interval to catch silent disconnects
// - Optional idle-room reaping via --room-ttl
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and hands it to the dispatcher. The room is
// chosen later, by the first join frame.
func serveWS(cfg *Config, store *roomStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := newClient(conn)

		go c.writePump()
		c.readPump(cfg, store)
	}
}

// qrHandler generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerPokerGame sets up routes so that:
//   - $path/:roomid      → HTML client
//   - $path/:roomid/qr   → PNG QR code for sharing that room
//   - /ws                → websocket; the join frame carries the room id
func registerPokerGame(cfg *Config, path string, mux *httprouter.Router, store *roomStore) {
	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/poker/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/poker/app.js", getJsHandler(cfg))

	// Shared websocket endpoint
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, store))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
