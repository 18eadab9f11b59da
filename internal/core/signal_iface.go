package core

// Frame is a raw payload on the signaling transport.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues a text (JSON) frame without blocking.
	TrySend(Frame) error
	// TrySendBinary queues a binary (state) frame without blocking.
	TrySendBinary(Frame) error
	Close()
}
