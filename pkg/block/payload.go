package block

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownPayload is returned when decoding a payload kind nobody registered.
var ErrUnknownPayload = errors.New("unknown payload kind")

// Payload is the opaque content carried by a block. Canonical must return
// the same string for the same logical content every time it is called,
// from mining until any later re-validation.
type Payload interface {
	Kind() string
	Canonical() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Payload)
)

// RegisterPayload makes a payload kind decodable. The factory must return a
// pointer that json.Unmarshal can fill. Registering a kind twice panics.
func RegisterPayload(kind string, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("block: payload kind registered twice: " + kind)
	}
	registry[kind] = factory
}

// PayloadKinds lists the registered kinds, sorted.
func PayloadKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodePayload rebuilds a payload of the given kind from its JSON form.
func DecodePayload(kind string, data []byte) (Payload, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, kind)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Text is a plain string payload.
type Text string

// KindText is the registered kind of Text.
const KindText = "text"

// Kind implements Payload.
func (t *Text) Kind() string { return KindText }

// Canonical implements Payload.
func (t *Text) Canonical() string { return string(*t) }

// NewText returns a Text payload.
func NewText(s string) *Text {
	t := Text(s)
	return &t
}

func init() {
	RegisterPayload(KindText, func() Payload { return new(Text) })
}
