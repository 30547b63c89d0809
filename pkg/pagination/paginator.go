package pagination

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/response"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 100

// Fetcher is the single-request interface the gateway client implements.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values) response.Result
}

// Paginator collects records across pages.
type Paginator struct {
	fetcher  Fetcher
	pageSize int
	logger   zerolog.Logger
}

// NewPaginator creates a paginator. A non-positive pageSize uses DefaultPageSize.
func NewPaginator(fetcher Fetcher, pageSize int, logger zerolog.Logger) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator{fetcher: fetcher, pageSize: pageSize, logger: logger}
}

// FetchAll returns up to maxRecords records for endpoint and params.
// A limit already present in params overrides the page size. params is not modified.
func (p *Paginator) FetchAll(ctx context.Context, endpoint string, params url.Values, maxRecords int) []json.RawMessage {
	if maxRecords <= 0 {
		return nil
	}

	start := time.Now()
	query := copyValues(params)

	limit := min(p.pageSize, maxRecords)
	if n, err := strconv.Atoi(query.Get("limit")); err == nil && n > 0 {
		limit = n
	} else {
		query.Set("limit", strconv.Itoa(limit))
	}

	var (
		records []json.RawMessage
		pages   int
		skip    int
	)
	for len(records) < maxRecords {
		query.Set("skip", strconv.Itoa(skip))
		res := p.fetcher.Fetch(ctx, endpoint, query)
		pages++

		if res.Failed() {
			// openFDA answers 404 once skip runs past the last match.
			if pages == 1 || res.Error.StatusCode != 404 {
				p.logger.Warn().
					Str("endpoint", endpoint).
					Int("skip", skip).
					Str("error_class", string(res.Error.Class)).
					Str("error", res.Error.Message).
					Msg("Page fetch failed, returning partial results")
			}
			break
		}
		if len(res.Results) == 0 {
			break
		}

		records = append(records, res.Results...)
		skip += len(res.Results)

		if len(res.Results) < limit {
			break
		}
	}

	if len(records) > maxRecords {
		records = records[:maxRecords]
	}

	p.logger.Debug().
		Str("endpoint", endpoint).
		Int("pages", pages).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Paged fetch complete")

	return records
}

func copyValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
