package core

// Frame is a raw binary payload (an encoded audio packet).
type Frame []byte

// Signaler abstracts the out-of-band signaling transport.
// Owned by the adapter; the adapter must Close() it.
type Signaler interface {
	TrySend(SignalMessage) error
	Incoming() <-chan SignalMessage
	Close()
}
