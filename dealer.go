package mare

import "math/rand"

// dealer holds one worker's shuffled steal order over its sibling workers,
// its steal deck. Workers draw victims from the deck in order; once
// exhausted, the deck is reshuffled, so a worker's steal order changes
// round to round without ever favouring a fixed victim.
type dealer struct {
	order []int
	pos   int
}

// newDealer builds a dealer for worker selfID among n total workers.
func newDealer(selfID, n int) *dealer {
	order := make([]int, 0, n-1)
	for i := 0; i < n; i++ {
		if i != selfID {
			order = append(order, i)
		}
	}
	shuffleInts(order)
	return &dealer{order: order}
}

// next returns the next victim worker index, reshuffling once the deck has
// been fully drawn. Returns -1 if this worker has no siblings.
func (d *dealer) next() int {
	if len(d.order) == 0 {
		return -1
	}
	v := d.order[d.pos]
	d.pos++
	if d.pos >= len(d.order) {
		d.pos = 0
		shuffleInts(d.order)
	}
	return v
}

// size reports the number of distinct victims in the deck.
func (d *dealer) size() int { return len(d.order) }

func shuffleInts(s []int) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
