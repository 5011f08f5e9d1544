package upstream

import (
	"context"

	"mangapipe/pkg/models"
)

// Pager drives a Fetcher across the pages of one resource, starting
// from any previously observed cursor. It keeps no state beyond the
// cursor, so a new Pager at the same cursor resumes identically.
//
// The upstream may hand back overlapping records across pages when it
// is written to concurrently; the pager does not dedupe — downstream
// reconciliation turns repeats into NoOps.
type Pager struct {
	fetcher  Fetcher
	resource models.ResourceType
	cursor   string
	done     bool
}

func NewPager(f Fetcher, resource models.ResourceType, startCursor string) *Pager {
	return &Pager{fetcher: f, resource: resource, cursor: startCursor}
}

// Cursor is the position the next page will be fetched from. After a
// page is returned it already points past that page, so it is what a
// checkpoint should record once the page is durable.
func (p *Pager) Cursor() string { return p.cursor }

// Next fetches the next page, or (nil, nil) once the upstream signals
// end-of-results (empty page, or offset past the reported total).
func (p *Pager) Next(ctx context.Context) (*models.RawPage, error) {
	if p.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := p.fetcher.Fetch(ctx, p.resource, p.cursor)
	if err != nil {
		return nil, err
	}

	if len(page.Records) == 0 {
		p.done = true
		return nil, nil
	}

	p.cursor = FormatCursor(page.NextOffset())
	if page.Last() || p.resource == models.ResourceTag {
		// tag endpoint is a single unpaginated page
		p.done = true
	}
	return page, nil
}
