package websocket

import (
	"encoding/json"
	"sync"
)

// WalletEvent is the committed-mutation signal. It is raised after the
// atomic unit commits, never before, and delivery is at-least-once from
// the subscriber's point of view (a reconnecting client re-reads the
// ledger to catch up).
type WalletEvent struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	EntryType string `json:"entry_type"`
	Reference string `json:"reference"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) BroadcastWalletEvent(userID string, event WalletEvent) {
	payload, _ := json.Marshal(event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
