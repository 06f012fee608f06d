// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"log"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/geopresence/internal/presence"
	"github.com/relabs-tech/geopresence/internal/realtime"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// PresenceRequest is a client message on the presence websocket.
type PresenceRequest struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	Identity string `json:"identity"`
}

// PresenceMessage is a server message on the presence websocket.
type PresenceMessage struct {
	Type     string                    `json:"type"` // "presence", "subscribed", "unsubscribed", "ended", "error"
	Identity string                    `json:"identity,omitempty"`
	Presence *realtime.PresencePayload `json:"presence,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// PresenceSession is one websocket client following any number of
// identities.
type PresenceSession struct {
	Conn   *websocket.Conn
	Caller string // identity of the client, from ?as=

	hub        *realtime.Hub
	recipients presence.Recipients

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	cancel func()
}

// presenceHandler upgrades the connection, subscribes to the identity in the
// path if any, then serves subscribe/unsubscribe requests until the client
// goes away. A client may only follow identities that list it as a
// recipient.
func presenceHandler(hub *realtime.Hub, recipients presence.Recipients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("presence_ws: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		session := &PresenceSession{
			Conn:       conn,
			Caller:     r.URL.Query().Get("as"),
			hub:        hub,
			recipients: recipients,
			subs:       make(map[string]*subscription),
		}
		defer session.close()

		ctx := r.Context()
		if identity := r.PathValue("identity"); identity != "" {
			session.subscribe(ctx, identity)
		}

		// Message loop
		for {
			var req PresenceRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("presence_ws: websocket error: %v", err)
				}
				return
			}

			switch req.Action {
			case "subscribe":
				if req.Identity == "" {
					session.send(PresenceMessage{Type: "error", Error: "identity is required"})
					continue
				}
				session.subscribe(ctx, req.Identity)
			case "unsubscribe":
				session.unsubscribe(req.Identity)
			default:
				session.send(PresenceMessage{Type: "error", Error: "unknown action: " + req.Action})
			}
		}
	}
}

// permitted reports whether the caller may follow identity.
func (s *PresenceSession) permitted(ctx context.Context, identity string) (bool, error) {
	if s.Caller == "" {
		return false, nil
	}
	if s.Caller == identity {
		return true, nil
	}
	friends, err := s.recipients.Recipients(ctx, identity)
	if err != nil {
		return false, err
	}
	return slices.Contains(friends, s.Caller), nil
}

func (s *PresenceSession) subscribe(ctx context.Context, identity string) {
	ok, err := s.permitted(ctx, identity)
	if err != nil {
		log.Printf("presence_ws: recipients of %s: %v", identity, err)
		s.send(PresenceMessage{Type: "error", Identity: identity, Error: "recipients unavailable"})
		return
	}
	if !ok {
		s.send(PresenceMessage{Type: "error", Identity: identity, Error: "not permitted"})
		return
	}

	s.mu.Lock()
	if _, ok := s.subs[identity]; ok {
		s.mu.Unlock()
		s.send(PresenceMessage{Type: "subscribed", Identity: identity})
		return
	}
	ch, cancel := s.hub.Subscribe(identity)
	sub := &subscription{cancel: cancel}
	s.subs[identity] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	s.send(PresenceMessage{Type: "subscribed", Identity: identity})

	go func() {
		defer s.wg.Done()
		for p := range ch {
			if err := s.send(PresenceMessage{Type: "presence", Identity: identity, Presence: &p}); err != nil {
				return
			}
		}

		// Closed by the hub rather than by unsubscribe: sharing ended.
		s.mu.Lock()
		ended := s.subs[identity] == sub
		if ended {
			delete(s.subs, identity)
		}
		s.mu.Unlock()
		if ended {
			s.send(PresenceMessage{Type: "ended", Identity: identity})
		}
	}()
}

func (s *PresenceSession) unsubscribe(identity string) {
	s.mu.Lock()
	sub, ok := s.subs[identity]
	delete(s.subs, identity)
	s.mu.Unlock()
	if ok {
		sub.cancel()
	}
	s.send(PresenceMessage{Type: "unsubscribed", Identity: identity})
}

func (s *PresenceSession) send(m PresenceMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteJSON(m)
}

// close cancels every hub subscription and waits for the forwarders.
func (s *PresenceSession) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	s.wg.Wait()
}
