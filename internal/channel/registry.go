package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the registered channel adapters. It must be created via
// NewRegistry and passed explicitly to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannelSource, raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannelSource, ct)
	}
	return ct, nil
}

// GetOutboundPolicy returns the normalized outbound policy for the given channel type.
func (r *Registry) GetOutboundPolicy(channelType ChannelType) (OutboundPolicy, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return OutboundPolicy{}, false
	}
	return NormalizeOutboundPolicy(adapter.Descriptor().OutboundPolicy), true
}

// GetSender returns the Sender for the given channel type, or nil if unsupported.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetWebhookParser returns the WebhookParser for the given channel type, or nil if unsupported.
func (r *Registry) GetWebhookParser(channelType ChannelType) (WebhookParser, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	parser, ok := adapter.(WebhookParser)
	return parser, ok
}

// GetWebhookVerifier returns the WebhookVerifier for the given channel type, or nil if unsupported.
func (r *Registry) GetWebhookVerifier(channelType ChannelType) (WebhookVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(WebhookVerifier)
	return verifier, ok
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
