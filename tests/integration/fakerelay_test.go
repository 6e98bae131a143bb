package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// joinRequestWire and keyPackageWire mirror the wire shapes internal/invite
// encodes and decodes against (spec §6's join flow). updatePushWire and
// updateRecordWire mirror internal/sync's append-log shapes. A from-scratch
// struct here (rather than importing the internal wire types, which are
// unexported) keeps this fake relay honest about what actually crosses the
// wire.
type joinRequestWire struct {
	InvitationID           string `json:"invitationId"`
	GroupID                string `json:"groupId"`
	RequesterPublicKey     string `json:"requesterPublicKey"`
	RequesterPublicKeyHash string `json:"requesterPublicKeyHash"`
	RequesterName          string `json:"requesterName"`
	ID                     string `json:"id,omitempty"`
	Status                 string `json:"status,omitempty"`
}

type keyPackageWire struct {
	GroupID       string `json:"groupId"`
	RecipientHash string `json:"recipientHash"`
	Ciphertext    string `json:"ciphertext"`
	Signature     string `json:"signature"`
}

type updatePushWire struct {
	GroupID  string `json:"groupId"`
	AuthorID string `json:"authorId"`
	Bytes    string `json:"bytes"`
}

type updateRecordWire struct {
	AuthorID string `json:"authorId"`
	Bytes    string `json:"bytes"`
	Cursor   uint64 `json:"cursor"`
}

type pullUpdatesWire struct {
	Updates    []updateRecordWire `json:"updates"`
	NextCursor uint64             `json:"nextCursor"`
}

// fakeRelay is an in-memory relay implementing both the invite/join wire
// protocol and the sync append-log/pub-sub wire protocol (spec §6), served
// over real HTTP and WebSocket connections so two independent engines can
// be driven through a genuine join-and-sync cycle rather than a
// hand-rolled in-process mock (contrast internal/sync/manager_test.go's
// fakeRelay, which only ever satisfies the sync.RelayClient Go interface
// directly).
type fakeRelay struct {
	mu sync.Mutex

	invitationSeq int
	invitations   map[string]string

	joinRequests []*joinRequestWire

	pendingKeyPackages map[string][]keyPackageWire
	subscribers        map[string][]chan keyPackageWire

	updates    map[string][]updateRecordWire
	cursorSeq  uint64

	upgrader websocket.Upgrader
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		invitations:        make(map[string]string),
		pendingKeyPackages: make(map[string][]keyPackageWire),
		subscribers:        make(map[string][]chan keyPackageWire),
		updates:            make(map[string][]updateRecordWire),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (r *fakeRelay) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/invitations", r.handleInvitations)
	mux.HandleFunc("/joinRequests", r.handleJoinRequests)
	mux.HandleFunc("/joinRequests/", r.handleJoinRequestByID)
	mux.HandleFunc("/keyPackages", r.handleKeyPackages)
	mux.HandleFunc("/updates", r.handleUpdates)
	return httptest.NewServer(mux)
}

func (r *fakeRelay) handleInvitations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		GroupID string `json:"groupId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.invitationSeq++
	id := fmt.Sprintf("invite-%d", r.invitationSeq)
	r.invitations[id] = body.GroupID
	r.mu.Unlock()

	writeJSON(w, map[string]string{"id": id, "groupId": body.GroupID, "status": "pending"})
}

func (r *fakeRelay) handleJoinRequests(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var wire joinRequestWire
		if err := json.NewDecoder(req.Body).Decode(&wire); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// The requester's public key hash is the only identifier the join
		// protocol's ApproveJoinRequest call carries, so it doubles as the
		// request id (see pkg/partage's engineImpl.ApproveJoin).
		wire.ID = wire.RequesterPublicKeyHash
		wire.Status = "pending"

		r.mu.Lock()
		r.joinRequests = append(r.joinRequests, &wire)
		r.mu.Unlock()

		writeJSON(w, map[string]string{"status": "ok"})

	case http.MethodGet:
		groupID := req.URL.Query().Get("groupId")
		status := req.URL.Query().Get("status")

		r.mu.Lock()
		matched := make([]joinRequestWire, 0, len(r.joinRequests))
		for _, jr := range r.joinRequests {
			if jr.GroupID == groupID && (status == "" || jr.Status == status) {
				matched = append(matched, *jr)
			}
		}
		r.mu.Unlock()

		writeJSON(w, matched)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *fakeRelay) handleJoinRequestByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/joinRequests/")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	for _, jr := range r.joinRequests {
		if jr.ID == id {
			jr.Status = body.Status
		}
	}
	r.mu.Unlock()

	writeJSON(w, map[string]string{"status": body.Status})
}

func (r *fakeRelay) handleKeyPackages(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var wire keyPackageWire
		if err := json.NewDecoder(req.Body).Decode(&wire); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.mu.Lock()
		r.pendingKeyPackages[wire.RecipientHash] = append(r.pendingKeyPackages[wire.RecipientHash], wire)
		for _, ch := range r.subscribers[wire.RecipientHash] {
			select {
			case ch <- wire:
			default:
			}
		}
		r.mu.Unlock()

		writeJSON(w, map[string]string{"status": "ok"})

	case http.MethodGet:
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		recipientHash := req.URL.Query().Get("recipientHash")

		ch := make(chan keyPackageWire, 16)
		r.mu.Lock()
		for _, buffered := range r.pendingKeyPackages[recipientHash] {
			ch <- buffered
		}
		r.subscribers[recipientHash] = append(r.subscribers[recipientHash], ch)
		r.mu.Unlock()

		defer r.removeKeyPackageSubscriber(recipientHash, ch)

		closed := make(chan struct{})
		go func() {
			// Drain reads purely to notice when the client closes the
			// connection; the protocol never sends client->server frames.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					close(closed)
					return
				}
			}
		}()

		for {
			select {
			case wire := <-ch:
				payload, err := json.Marshal(wire)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-closed:
				return
			}
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *fakeRelay) removeKeyPackageSubscriber(recipientHash string, ch chan keyPackageWire) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[recipientHash]
	for i, candidate := range subs {
		if candidate == ch {
			r.subscribers[recipientHash] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (r *fakeRelay) handleUpdates(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var wire updatePushWire
		if err := json.NewDecoder(req.Body).Decode(&wire); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.mu.Lock()
		r.cursorSeq++
		record := updateRecordWire{AuthorID: wire.AuthorID, Bytes: wire.Bytes, Cursor: r.cursorSeq}
		r.updates[wire.GroupID] = append(r.updates[wire.GroupID], record)
		r.mu.Unlock()

		writeJSON(w, map[string]string{"status": "ok"})

	case http.MethodGet:
		groupID := req.URL.Query().Get("groupId")
		since, err := strconv.ParseUint(req.URL.Query().Get("sinceCursor"), 10, 64)
		if err != nil {
			since = 0
		}

		r.mu.Lock()
		next := since
		matched := make([]updateRecordWire, 0)
		for _, rec := range r.updates[groupID] {
			if rec.Cursor > since {
				matched = append(matched, rec)
			}
			if rec.Cursor > next {
				next = rec.Cursor
			}
		}
		r.mu.Unlock()

		writeJSON(w, pullUpdatesWire{Updates: matched, NextCursor: next})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
