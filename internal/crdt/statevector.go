package crdt

// A StateVector is a compact causal frontier: for every known client, the
// number of atom clocks already incorporated (clocks 0..n-1 are known).
type StateVector map[uint64]uint64

func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

// Covers reports whether sv includes everything other does.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

// Min folds other into sv, keeping the lower clock per client. Clients
// missing on either side count as zero. Used to compute a room-wide
// garbage collection floor.
func (sv StateVector) Min(other StateVector) StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		o := other[client]
		if o < clock {
			clock = o
		}
		if clock > 0 {
			out[client] = clock
		}
	}
	return out
}
