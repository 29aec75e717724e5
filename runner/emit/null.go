package emit

// NullEmitter discards every event. It is the default when no observer is
// configured, so callers never need a nil check before calling Emit.
type NullEmitter struct{}

// Emit implements Emitter by doing nothing.
func (NullEmitter) Emit(Event) {}
