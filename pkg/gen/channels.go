package gen

// DrainChannelIntoSlice reads from a channel until it is empty, and returns all items in a slice.
// It never blocks.
func DrainChannelIntoSlice[T any](ch chan T) []T {
	items := make([]T, 0, len(ch))
	for {
		select {
		case v := <-ch:
			items = append(items, v)
		default:
			return items
		}
	}
}
