package crdt

// Position allocation for the sequence CRDT. Each character carries a path of
// digits; paths order lexicographically with missing digits reading as zero,
// and equal paths fall back to the owning ID so the order is total across
// peers.

const maxDigit = 1<<31 - 1

// ID identifies a single replicated element and doubles as the timestamp for
// register writes. Peer breaks ties between clocks.
type ID struct {
	Clock uint64 `json:"c"`
	Peer  string `json:"p"`
}

// Less orders IDs by clock, then peer.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Peer < b.Peer
}

// Char is one character of the shared text region.
type Char struct {
	ID   ID    `json:"id"`
	Rune rune  `json:"r"`
	Pos  []int `json:"pos"`
}

func digitAt(pos []int, i, fallback int) int {
	if pos == nil || i >= len(pos) {
		return fallback
	}
	return pos[i]
}

// comparePos orders two characters: lexicographic on the digit path, padding
// short paths with zeros, with the element ID as the final tiebreak.
func comparePos(a, b Char) int {
	n := len(a.Pos)
	if len(b.Pos) > n {
		n = len(b.Pos)
	}
	for i := 0; i < n; i++ {
		av := digitAt(a.Pos, i, 0)
		bv := digitAt(b.Pos, i, 0)
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.ID == b.ID:
		return 0
	case a.ID.Peer != b.ID.Peer:
		if a.ID.Peer < b.ID.Peer {
			return -1
		}
		return 1
	case a.ID.Clock < b.ID.Clock:
		return -1
	default:
		return 1
	}
}

// posBetween returns a fresh path strictly between left and right. A nil left
// means the virtual start of the document, a nil right the virtual end.
func posBetween(left, right []int) []int {
	out := make([]int, 0, len(left)+1)
	for i := 0; ; i++ {
		lv := digitAt(left, i, 0)
		rv := digitAt(right, i, maxDigit)
		switch {
		case rv-lv > 1:
			return append(out, lv+(rv-lv)/2)
		case rv == lv:
			out = append(out, lv)
		default:
			// Gap of exactly one: anchor on the left path, everything
			// deeper still sorts below right.
			out = append(out, lv)
			right = nil
		}
	}
}

// insertAt returns the index a char occupies once spliced into chars, which
// must already be sorted. Existing occupants with equal order are impossible
// because comparePos is total on distinct IDs.
func insertAt(chars []Char, c Char) int {
	lo, hi := 0, len(chars)
	for lo < hi {
		mid := (lo + hi) / 2
		if comparePos(chars[mid], c) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
