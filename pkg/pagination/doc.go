// Package pagination walks openFDA search results with limit/skip paging.
//
// openFDA returns at most a page of records per request and exposes the rest
// through the skip parameter. A Paginator requests pages one after another
// through a Fetcher (normally the cached gateway client), so every page is
// cached and rate limited like any other fetch.
//
// Example usage:
//
//	p := pagination.NewPaginator(gw, 100, logger)
//	records := p.FetchAll(ctx, "device/recall.json", url.Values{
//		"search": {"event_date_initiated:[20230101+TO+20231231]"},
//	}, 250)
//
// FetchAll:
//   - Requests limit = min(pageSize, maxRecords) records per page
//   - Advances skip by the number of records actually received
//   - Stops at maxRecords, on a short or empty page, or on an error result
//   - Returns what it collected so far, truncated to maxRecords
//
// Pages are fetched sequentially: each skip depends on the previous page.
package pagination
