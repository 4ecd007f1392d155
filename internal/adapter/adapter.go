// ABOUTME: Chat adapter contract and prefix-based outbound routing
// ABOUTME: Adapters own their JID namespace; the core only routes by prefix

package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoAdapter means no registered adapter owns the JID's prefix.
var ErrNoAdapter = errors.New("no adapter for jid")

// Adapter is one chat platform connection. JIDs handed to it always
// carry its own prefix; the core never inspects their inner structure.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string

	// Prefix is the JID namespace this adapter owns, e.g. "dc:".
	Prefix() string

	// SendMessage delivers text to a conversation. Best-effort: the
	// caller logs failures and never retries.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping toggles the typing indicator where the platform has one.
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// InboundHandler receives messages and metadata from adapters.
// Implemented by the router; adapters call it from their own receive
// loops.
type InboundHandler interface {
	OnMessage(ctx context.Context, jid, messageID, sender, senderName, text, timestamp string, isFromMe bool)
	OnChatMetadata(ctx context.Context, jid, timestamp, name string)
}

// Registry routes outbound calls to the adapter owning the JID prefix.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an adapter. Later registrations win on prefix clashes,
// which never happens in practice (each platform has one adapter).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// For returns the adapter owning the JID, or ErrNoAdapter.
func (r *Registry) For(jid string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.adapters) - 1; i >= 0; i-- {
		if strings.HasPrefix(jid, r.adapters[i].Prefix()) {
			return r.adapters[i], nil
		}
	}
	return nil, ErrNoAdapter
}

// SendMessage routes a send through the owning adapter.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) error {
	a, err := r.For(jid)
	if err != nil {
		return err
	}
	return a.SendMessage(ctx, jid, text)
}

// SetTyping routes a typing-indicator update through the owning adapter.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) error {
	a, err := r.For(jid)
	if err != nil {
		return err
	}
	return a.SetTyping(ctx, jid, typing)
}
