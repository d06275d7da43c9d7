package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel, such as the event stream of a session being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainPending discards the values currently buffered in ch without waiting
// for more. It returns how many values were discarded.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
