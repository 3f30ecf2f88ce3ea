package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer that is still writing into a stream whose
// consumer has already stopped (e.g. [InputStream.Samples] after capture
// was stopped).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
