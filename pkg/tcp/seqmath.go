package tcp

// Sequence-number comparisons per RFC 793 §3.3: arithmetic mod 2^32,
// treating the space as circular so wraparound never breaks ordering.

func seqLess(a, b uint32) bool    { return int32(a-b) < 0 }
func seqLessEq(a, b uint32) bool  { return int32(a-b) <= 0 }
func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }
func seqGreaterEq(a, b uint32) bool { return int32(a-b) >= 0 }

func seqMax(a, b uint32) uint32 {
	if seqGreater(a, b) {
		return a
	}
	return b
}

func seqMin(a, b uint32) uint32 {
	if seqLess(a, b) {
		return a
	}
	return b
}
