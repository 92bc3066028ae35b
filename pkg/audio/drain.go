package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a stream's producer must run to
// completion but its data is no longer wanted (e.g. chunks still in flight
// after a session was abandoned).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
