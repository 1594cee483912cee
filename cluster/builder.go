package cluster

import (
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
)

// Builder turns member sets into cluster features and hands out ids.
// The id counter starts at 1 and only goes back when Reset is called.
type Builder struct {
	prefix string
	next   uint64
}

func NewBuilder(prefix string) *Builder {
	return &Builder{prefix: prefix, next: 1}
}

// Build creates a cluster positioned at the mean of the members' bounds
// centres. Members are referenced, not copied. Build panics when members
// is empty; the engine never calls it that way.
func (b *Builder) Build(members []*Feature) *Cluster {
	if len(members) == 0 {
		panic("cluster: Build called without members")
	}

	var sum r2.Point
	for _, m := range members {
		c := m.Geometry.Bound().Center()
		sum = sum.Add(r2.Point{X: c.X(), Y: c.Y()})
	}
	mean := sum.Mul(1 / float64(len(members)))

	seq := b.next
	b.next++

	return &Cluster{
		ID:       b.prefix + strconv.FormatUint(seq, 10),
		Seq:      seq,
		Position: orb.Point{mean.X, mean.Y},
		Members:  members,
	}
}

// Next returns the sequence number the next cluster will get.
func (b *Builder) Next() uint64 {
	return b.next
}

// Reset restarts id generation at 1. Ids handed out before the reset may
// be reused afterwards.
func (b *Builder) Reset() {
	b.next = 1
}
