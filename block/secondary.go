package block

import (
	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

// Secondary is a Block over the secondary flavor: locator = attribute name,
// key = typed value, value = owning record.
type Secondary = Block[concourse.Text, concourse.Value, concourse.PrimaryKey]

// NewSecondary constructs a fresh mutable secondary block.
func NewSecondary(id string) *Secondary {
	return newBlock(id, codec[concourse.Text, concourse.Value, concourse.PrimaryKey]{
		locatorKey: func(l concourse.Text) string { return l.String() },
		compare: func(a, b revision.Secondary) int {
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
		encode: revision.Encode[concourse.Text, concourse.Value, concourse.PrimaryKey],
		decode: revision.DecodeSecondary,
	})
}
