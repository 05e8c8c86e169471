package ivm

// StreamItem is one element of a cooperative Stream: either a real item or a
// yield marker. A yield marker carries no data (spec.md §3) -- IsYield is
// true iff this item is a marker, in which case Item is the zero value and
// must not be interpreted as real data.
type StreamItem[T any] struct {
	Item    T
	IsYield bool
}

func realItem[T any](v T) StreamItem[T] { return StreamItem[T]{Item: v} }

func yieldItem[T any]() StreamItem[T] { return StreamItem[T]{IsYield: true} }

// Stream is the cooperative lazy sequence over T ∪ {yield} (fetch streams
// carry Node, push streams carry struct{}), modeled as a next()-style
// iterator per spec.md §9 Design Notes. Implementations are per-operator
// state machines, not goroutines: no operator may block, sleep, or perform
// I/O outside calling Next/Close on its own inputs (spec.md §5).
type Stream[T any] interface {
	// Next returns the next item. ok is false once the stream is exhausted;
	// once Next returns ok=false it must keep returning ok=false on every
	// subsequent call.
	Next() (StreamItem[T], bool, error)
	// Close releases every nested iterator this stream opened. It is safe
	// to call more than once, including after exhaustion or after an error.
	// Every operator must call Close on every child stream it opens even on
	// the error/early-return path (spec.md §3 "Ownership").
	Close() error
}

// funcStream adapts a pair of closures to the Stream interface; it is the
// standard way every operator in this package builds the stream it returns
// from Fetch/Push, matching spec.md §9's "explicit state machine per
// operator" guidance -- the closures close over that operator's private
// iteration state.
type funcStream[T any] struct {
	next   func() (StreamItem[T], bool, error)
	closer func() error
	closed bool
}

// NewStream builds a Stream from a next function and an optional close
// function (nil if there is nothing to release).
func NewStream[T any](next func() (StreamItem[T], bool, error), closer func() error) Stream[T] {
	return &funcStream[T]{next: next, closer: closer}
}

func (s *funcStream[T]) Next() (StreamItem[T], bool, error) { return s.next() }

func (s *funcStream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// EmptyStream returns an already-exhausted stream.
func EmptyStream[T any]() Stream[T] {
	return NewStream[T](func() (StreamItem[T], bool, error) {
		return StreamItem[T]{}, false, nil
	}, nil)
}

// SliceStream returns a stream over items, with no yield markers interleaved
// (callers that need yields between items should wrap with Interleave).
func SliceStream[T any](items []T) Stream[T] {
	i := 0
	return NewStream[T](func() (StreamItem[T], bool, error) {
		if i >= len(items) {
			return StreamItem[T]{}, false, nil
		}
		v := items[i]
		i++
		return realItem(v), true, nil
	}, nil)
}

// Interleave wraps s so that a yield marker is emitted after every `every`
// real items, giving long streams a cooperative pause point without every
// operator hand-rolling a counter. Source.Push and sourceInput.Push wrap
// their merged push streams with it.
func Interleave[T any](s Stream[T], every int) Stream[T] {
	if every <= 0 {
		return s
	}
	count := 0
	pendingYield := false
	return NewStream[T](func() (StreamItem[T], bool, error) {
		if pendingYield {
			pendingYield = false
			return yieldItem[T](), true, nil
		}
		item, ok, err := s.Next()
		if err != nil || !ok {
			return item, ok, err
		}
		if !item.IsYield {
			count++
			if count >= every {
				count = 0
				pendingYield = true
			}
		}
		return item, true, nil
	}, s.Close)
}

// MapStream transforms every real item with f, passing yield markers through
// unchanged -- the rule every operator must follow per spec.md §2.
func MapStream[T, U any](s Stream[T], f func(T) (U, error)) Stream[U] {
	return NewStream[U](func() (StreamItem[U], bool, error) {
		item, ok, err := s.Next()
		if err != nil || !ok {
			return StreamItem[U]{}, ok, err
		}
		if item.IsYield {
			return yieldItem[U](), true, nil
		}
		out, err := f(item.Item)
		if err != nil {
			return StreamItem[U]{}, false, err
		}
		return realItem(out), true, nil
	}, s.Close)
}

// FilterStream drops real items for which pred returns false, passing yield
// markers through unchanged.
func FilterStream[T any](s Stream[T], pred func(T) (bool, error)) Stream[T] {
	return NewStream[T](func() (StreamItem[T], bool, error) {
		for {
			item, ok, err := s.Next()
			if err != nil || !ok {
				return StreamItem[T]{}, ok, err
			}
			if item.IsYield {
				return item, true, nil
			}
			keep, err := pred(item.Item)
			if err != nil {
				return StreamItem[T]{}, false, err
			}
			if keep {
				return item, true, nil
			}
		}
	}, s.Close)
}

// Merge concatenates streams end to end: every item (and yield marker) of
// streams[0], then streams[1], and so on. Each underlying stream is closed
// as soon as it is exhausted; closing the merged stream early closes the
// stream currently open and every stream not yet reached.
func Merge[T any](streams ...Stream[T]) Stream[T] {
	idx := 0
	return NewStream[T](func() (StreamItem[T], bool, error) {
		for idx < len(streams) {
			item, ok, err := streams[idx].Next()
			if err != nil {
				return StreamItem[T]{}, false, err
			}
			if ok {
				return item, true, nil
			}
			if cerr := streams[idx].Close(); cerr != nil {
				return StreamItem[T]{}, false, cerr
			}
			idx++
		}
		return StreamItem[T]{}, false, nil
	}, func() error {
		var firstErr error
		for ; idx < len(streams); idx++ {
			if err := streams[idx].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// SkipYields wraps s so the caller only ever observes real items; yield
// markers are consumed internally. This is the adapter a consumer that does
// not participate in cooperative scheduling (tests, simple callers) uses
// instead of hand-rolling a filter loop.
func SkipYields[T any](s Stream[T]) Stream[T] {
	return NewStream[T](func() (StreamItem[T], bool, error) {
		for {
			item, ok, err := s.Next()
			if err != nil || !ok {
				return StreamItem[T]{}, ok, err
			}
			if item.IsYield {
				continue
			}
			return item, true, nil
		}
	}, s.Close)
}

// Consume drains every real item of s into a slice, discarding yield
// markers, and closes s (whether or not it ran to exhaustion without error).
func Consume[T any](s Stream[T]) ([]T, error) {
	defer s.Close()
	var out []T
	for {
		item, ok, err := s.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		if !item.IsYield {
			out = append(out, item.Item)
		}
	}
}

// ConsumeInto drains s like Consume, appending into buf's backing array
// (reusing whatever capacity buf already carries, e.g. from NodeBufferPool)
// instead of growing a fresh slice from nil. buf must be length 0 on entry.
func ConsumeInto(s Stream[Node], buf []Node) ([]Node, error) {
	defer s.Close()
	for {
		item, ok, err := s.Next()
		if err != nil {
			return buf, err
		}
		if !ok {
			return buf, nil
		}
		if !item.IsYield {
			buf = append(buf, item.Item)
		}
	}
}

// First returns the first real item of s, if any, and closes s. found is
// false if s was exhausted without producing a real item.
func First[T any](s Stream[T]) (value T, found bool, err error) {
	defer s.Close()
	for {
		item, ok, err := s.Next()
		if err != nil {
			return value, false, err
		}
		if !ok {
			return value, false, nil
		}
		if !item.IsYield {
			return item.Item, true, nil
		}
	}
}

// Count drains s (like Consume) but only counts real items, avoiding the
// slice allocation -- used by Exists, which only needs "is the count > 0"
// or, during initial hydration, the exact count.
func Count[T any](s Stream[T]) (int, error) {
	defer s.Close()
	n := 0
	for {
		item, ok, err := s.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if !item.IsYield {
			n++
		}
	}
}
