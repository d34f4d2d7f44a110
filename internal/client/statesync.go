package client

// StateSync distributes session-state change notifications between
// multiple clients of the same account, such as several open tabs or
// processes sharing one identity. Implementations are host-specific;
// the client core only defines the contract.
type StateSync interface {
	// Publish broadcasts a state event to the other clients.
	Publish(event string) error
	// Subscribe registers a handler for events published by other
	// clients. The returned function unsubscribes it.
	Subscribe(handler func(event string)) (unsubscribe func())
}
