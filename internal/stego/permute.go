package stego

// lcg is the reference PRNG of spec.md §4.5 step 7: a 64-bit linear
// congruential generator with the PCG constants, wrapping on overflow.
type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	return &lcg{state: seed}
}

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

// permuteForward applies a reversible Fisher–Yates shuffle to buf, driven
// by the LCG seeded with seed. Only buf itself is mutated.
func permuteForward(buf []byte, seed uint64) {
	rng := newLCG(seed)
	for i := len(buf) - 1; i >= 1; i-- {
		j := int(rng.next() % uint64(i+1))
		buf[i], buf[j] = buf[j], buf[i]
	}
}

// permuteInverse undoes permuteForward for the same seed and length. It
// regenerates the identical swap sequence and replays it in reverse order,
// since a Fisher–Yates shuffle is a composition of self-inverse
// transpositions (spec.md §4.5: "applying swaps in reverse order undoes
// them").
func permuteInverse(buf []byte, seed uint64) {
	n := len(buf)
	if n < 2 {
		return
	}
	type swap struct{ i, j int }
	swaps := make([]swap, 0, n-1)
	rng := newLCG(seed)
	for i := n - 1; i >= 1; i-- {
		j := int(rng.next() % uint64(i+1))
		swaps = append(swaps, swap{i, j})
	}
	for k := len(swaps) - 1; k >= 0; k-- {
		s := swaps[k]
		buf[s.i], buf[s.j] = buf[s.j], buf[s.i]
	}
}
