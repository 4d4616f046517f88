package replica

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"

	"tetherbound.gg/internal/sim/spatial"
)

// Digest hashes the projection's observable state: bodies (carried flag,
// plus displayed and target poses for loose ones) and the hold table, all
// in sorted order. Two projections that watched equivalent traffic digest
// identically, which is how late-join replay is checked against a live view.
func (p *Projection) Digest() string {
	h := sha256.New()

	ids := make([]string, 0, len(p.bodies))
	for id := range p.bodies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := p.bodies[id]
		h.Write([]byte(id))
		digestBool(h, b.Carried)
		if b.Carried {
			// A carried body's pose is its holder's mount; the frozen
			// leftover here is whatever mid-blend value this node last
			// displayed, which legitimately differs across nodes.
			continue
		}
		digestTransform(h, b.Displayed)
		digestTransform(h, b.Target)
	}

	keys := make([]string, 0, len(p.holds))
	for k := range p.holds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		hold := p.holds[k]
		h.Write([]byte(k))
		digestU64(h, uint64(hold.Peer))
		h.Write([]byte(hold.Mount))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func digestTransform(h hash.Hash, t spatial.Transform) {
	digestF64(h, t.Pos.X)
	digestF64(h, t.Pos.Y)
	digestF64(h, t.Pos.Z)
	digestF64(h, t.Yaw)
}

func digestF64(h hash.Hash, f float64) {
	digestU64(h, math.Float64bits(f))
}

func digestU64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func digestBool(h hash.Hash, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}
