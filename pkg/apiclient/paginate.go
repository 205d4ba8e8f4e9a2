package apiclient

import (
	"context"
	"fmt"
)

// Page is one slice of a cursor-paginated list.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Paginate calls fetch until the returned cursor is empty and concatenates
// the items. A cursor that comes back twice is a contract violation.
func Paginate[T any](ctx context.Context, fetch func(ctx context.Context, cursor string) (Page[T], error)) ([]T, error) {
	var all []T
	seen := make(map[string]bool)
	cursor := ""

	for {
		page, err := fetch(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page (cursor=%q): %w", cursor, err)
		}

		all = append(all, page.Items...)

		if page.NextCursor == "" {
			return all, nil
		}
		if seen[page.NextCursor] {
			return nil, fmt.Errorf("%w: cursor %q repeated", ErrContract, page.NextCursor)
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}
