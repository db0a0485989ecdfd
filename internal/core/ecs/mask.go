package ecs

import "math/bits"

// MaxComponents is the maximum number of component types a Def can register.
const MaxComponents = 256

const maskWords = MaxComponents / 64

// CompMask is a set of component ids, one bit per id.
type CompMask [maskWords]uint64

func (m *CompMask) Set(id CompID) {
	m[id>>6] |= 1 << (id & 63)
}

func (m *CompMask) Clear(id CompID) {
	m[id>>6] &^= 1 << (id & 63)
}

func (m CompMask) Has(id CompID) bool {
	return m[id>>6]&(1<<(id&63)) != 0
}

// AllOf reports whether every bit of sub is set in m.
func (m CompMask) AllOf(sub CompMask) bool {
	for i := range m {
		if m[i]&sub[i] != sub[i] {
			return false
		}
	}
	return true
}

// AnyOf reports whether m and other share at least one bit.
func (m CompMask) AnyOf(other CompMask) bool {
	for i := range m {
		if m[i]&other[i] != 0 {
			return true
		}
	}
	return false
}

func (m CompMask) Or(other CompMask) CompMask {
	for i := range m {
		m[i] |= other[i]
	}
	return m
}

func (m CompMask) AndNot(other CompMask) CompMask {
	for i := range m {
		m[i] &^= other[i]
	}
	return m
}

func (m CompMask) Empty() bool {
	return m == CompMask{}
}

func (m CompMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// ForEach calls fn for every set id in ascending order.
func (m CompMask) ForEach(fn func(id CompID)) {
	for wordIdx, word := range m {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			fn(CompID(wordIdx*64 + bit))
			word &^= 1 << bit
		}
	}
}
