package block

import (
	"context"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/executor"
	"github.com/hunglin/concourse/revision"
	"github.com/hunglin/concourse/search"
)

// SearchFlavor is a Block over the search flavor: locator = term substring,
// key = original term, value = Position the term occurred at.
type SearchFlavor = Block[concourse.Text, concourse.Text, concourse.Position]

// NewSearch constructs a fresh mutable search block.
func NewSearch(id string) *SearchFlavor {
	return newBlock(id, codec[concourse.Text, concourse.Text, concourse.Position]{
		locatorKey: func(l concourse.Text) string { return l.String() },
		compare: func(a, b revision.Search) int {
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
		encode: revision.Encode[concourse.Text, concourse.Text, concourse.Position],
		decode: revision.DecodeSearch,
	})
}

// searchIndexingPoolName names the pool used for substring fan-out, sized
// modestly since indexing is CPU-bound on short strings.
const searchIndexingPoolName = "search-indexing"

// IndexText tokenizes text, expands every token into its non-empty
// contiguous substrings, and inserts one Search revision per (substring,
// term, position) triple. The fan-out runs on a shared named pool and blocks
// until every submitted task has drained (§4.2, §9 "Fan-out indexing")
// before returning, so the block is safe to flush immediately afterward.
func IndexText(b *SearchFlavor, ctx context.Context, record concourse.PrimaryKey, text string, version int64, action revision.Action) error {
	tokens := search.Tokenize(text)
	pool := executor.Named(searchIndexingPoolName, 8)

	tasks := make([]func(context.Context) error, 0, len(tokens))
	for _, tok := range tokens {
		tok := tok
		tasks = append(tasks, func(context.Context) error {
			pos := concourse.Position{Record: record, Index: tok.Index}
			for _, sub := range search.Substrings(tok.Text) {
				if _, err := b.Insert(concourse.NewText(sub), concourse.NewText(tok.Text), pos, version, action); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return pool.Run(ctx, tasks)
}
