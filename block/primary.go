package block

import (
	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

// Primary is a Block over the primary flavor: locator = record id,
// key = attribute name, value = typed payload.
type Primary = Block[concourse.PrimaryKey, concourse.Text, concourse.Value]

// NewPrimary constructs a fresh mutable primary block.
func NewPrimary(id string) *Primary {
	return newBlock(id, codec[concourse.PrimaryKey, concourse.Text, concourse.Value]{
		locatorKey: func(l concourse.PrimaryKey) string { return l.String() },
		compare: func(a, b revision.Primary) int {
			if c := a.Locator().Compare(b.Locator()); c != 0 {
				return c
			}
			if c := a.Key().Compare(b.Key()); c != 0 {
				return c
			}
			if c := a.Value().Compare(b.Value()); c != 0 {
				return c
			}
			return compareVersion(a.Version(), b.Version())
		},
		encode: revision.Encode[concourse.PrimaryKey, concourse.Text, concourse.Value],
		decode: revision.DecodePrimary,
	})
}

func compareVersion(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
