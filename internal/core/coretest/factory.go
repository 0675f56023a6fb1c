package coretest

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var _ core.TransportFactory = (*Factory)(nil)

// Factory hands out Transports and remembers every one it created.
type Factory struct {
	mu         sync.Mutex
	transports map[domain.PeerID][]*Transport
	offerErr   error
	err        error
}

func NewFactory() *Factory {
	return &Factory{transports: make(map[domain.PeerID][]*Transport)}
}

func (f *Factory) NewTransport(id domain.PeerID) (core.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr := NewTransport(id)
	if f.offerErr != nil {
		tr.FailOffer(f.offerErr)
	}
	f.transports[id] = append(f.transports[id], tr)
	return tr, nil
}

// Fail makes NewTransport return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailOffers makes transports created from now on fail CreateOffer.
func (f *Factory) FailOffers(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerErr = err
}

// Last returns the most recent transport for id, or nil.
func (f *Factory) Last(id domain.PeerID) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.transports[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *Factory) Created(id domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[id])
}
