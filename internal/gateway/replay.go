package gateway

// replayRing keeps the last n envelopes of one symbol in seq order.
// Callers synchronise through Hub.mu.
type replayRing struct {
	seqs  []int64
	msgs  [][]byte
	start int
	n     int
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = DefaultReplaySize
	}
	return &replayRing{seqs: make([]int64, capacity), msgs: make([][]byte, capacity)}
}

func (r *replayRing) push(seq int64, msg []byte) {
	size := len(r.seqs)
	if r.n < size {
		i := (r.start + r.n) % size
		r.seqs[i], r.msgs[i] = seq, msg
		r.n++
		return
	}
	r.seqs[r.start], r.msgs[r.start] = seq, msg
	r.start = (r.start + 1) % size
}

// since returns the envelopes with seq > after, oldest first.
func (r *replayRing) since(after int64) [][]byte {
	var out [][]byte
	for i := 0; i < r.n; i++ {
		j := (r.start + i) % len(r.seqs)
		if r.seqs[j] > after {
			out = append(out, r.msgs[j])
		}
	}
	return out
}

func (r *replayRing) len() int { return r.n }
