package plan

// Leg is one visit of a ping-pong traversal: the index of a distinct
// position and whether it is walked on the return half.
type Leg struct {
	Index   int
	Reverse bool
}

// Expand returns the visiting order over count distinct positions. A
// bidirectional traversal walks 0..count-1 and then count-1..0, so the last
// position is touched twice. Both the save plan and the acquisition zone
// builder use this order, which keeps them in step.
func Expand(count int, bidirectional bool) []Leg {
	if count <= 0 {
		return nil
	}
	n := count
	if bidirectional {
		n *= 2
	}
	legs := make([]Leg, 0, n)
	for i := 0; i < count; i++ {
		legs = append(legs, Leg{Index: i})
	}
	if bidirectional {
		for i := count - 1; i >= 0; i-- {
			legs = append(legs, Leg{Index: i, Reverse: true})
		}
	}
	return legs
}

// Direction returns the approach direction of item when visited on this leg.
func (l Leg) Direction(item BaseItem) Direction {
	if l.Reverse {
		return item.Direction.Invert()
	}
	return item.Direction
}
