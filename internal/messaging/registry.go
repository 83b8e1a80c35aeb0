package messaging

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry holds one Gateway per platform.
type Registry struct {
	mu       sync.RWMutex
	gateways map[Platform]Gateway
}

// NewRegistry returns a registry populated with the given gateways.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Platform]Gateway)}
	for _, g := range gws {
		r.Register(g)
	}
	return r
}

// Register adds or replaces the gateway for g.Platform().
func (r *Registry) Register(g Gateway) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Platform()] = g
}

// Get returns the gateway for p.
func (r *Registry) Get(p Platform) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	return g, nil
}

// Platforms returns the registered platforms in sorted order.
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detect picks the gateway whose payload shape matches body.
// Telegram updates carry update_id; WhatsApp Cloud API events carry an
// object field and an entry array.
func (r *Registry) Detect(body []byte) (Gateway, error) {
	p, err := DetectPlatform(body)
	if err != nil {
		return nil, err
	}
	return r.Get(p)
}

// DetectPlatform classifies a raw webhook body by its top-level keys.
func DetectPlatform(body []byte) (Platform, error) {
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(body, &peek); err != nil {
		return "", &ParseError{Platform: "unknown", Err: err}
	}
	if _, ok := peek["update_id"]; ok {
		return PlatformTelegram, nil
	}
	if raw, ok := peek["object"]; ok {
		var obj string
		if json.Unmarshal(raw, &obj) == nil && obj == "whatsapp_business_account" {
			return PlatformWhatsApp, nil
		}
	}
	if _, ok := peek["entry"]; ok {
		return PlatformWhatsApp, nil
	}
	return "", ErrUnknownPlatform
}
