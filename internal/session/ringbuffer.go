package session

// ring is a coarse FIFO byte buffer of recent learner audio. It exists only
// to feed the next pronunciation assessment, so eviction is deliberately
// blunt: once total size exceeds the cap, the oldest half is dropped.
//
// Not safe for concurrent use; callers hold the session lock.
type ring struct {
	chunks [][]byte
	size   int
	cap    int
}

func newRing(capBytes int) *ring {
	return &ring{cap: capBytes}
}

// append adds a copy of chunk and evicts if the cap is exceeded.
func (r *ring) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	r.chunks = append(r.chunks, c)
	r.size += len(c)

	for r.size > r.cap {
		r.dropOldestHalf()
	}
}

// dropOldestHalf discards chunks from the front until at least half of the
// buffered bytes are gone.
func (r *ring) dropOldestHalf() {
	target := r.size / 2
	dropped := 0
	i := 0
	for i < len(r.chunks) && dropped < target {
		dropped += len(r.chunks[i])
		i++
	}
	r.chunks = r.chunks[i:]
	r.size -= dropped
}

// drain concatenates and removes all buffered audio.
func (r *ring) drain() []byte {
	if r.size == 0 {
		return nil
	}
	out := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	r.chunks = nil
	r.size = 0
	return out
}

// len returns the buffered byte count.
func (r *ring) len() int { return r.size }
