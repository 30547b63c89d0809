package openfda

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/openfda-client/pkg/pagination"
	"github.com/rs/zerolog"
)

// Service runs count, search and sample queries through a Fetcher.
// Failed fetches degrade to empty results; the failure is logged.
type Service struct {
	fetcher   pagination.Fetcher
	paginator *pagination.Paginator
	logger    zerolog.Logger
}

// NewService creates a service. pageSize applies to Sample.
func NewService(fetcher pagination.Fetcher, pageSize int, logger zerolog.Logger) *Service {
	return &Service{
		fetcher:   fetcher,
		paginator: pagination.NewPaginator(fetcher, pageSize, logger),
		logger:    logger,
	}
}

// CountBy returns the top limit terms of field, optionally filtered by search.
func (s *Service) CountBy(ctx context.Context, endpoint, field, search string, limit int) []TermCount {
	params := url.Values{"count": {field}}
	if search != "" {
		params.Set("search", search)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	res := s.fetcher.Fetch(ctx, endpoint, params)
	if res.Failed() {
		s.logger.Warn().
			Str("endpoint", endpoint).
			Str("field", field).
			Str("error_class", string(res.Error.Class)).
			Msg("Count query failed")
		return []TermCount{}
	}

	counts := make([]TermCount, 0, len(res.Results))
	for _, raw := range res.Results {
		var tc TermCount
		if err := json.Unmarshal(raw, &tc); err != nil {
			s.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Skipping malformed count row")
			continue
		}
		counts = append(counts, tc)
	}
	return counts
}

// CountInRange counts field over records whose dateField lies within [start, end].
func (s *Service) CountInRange(ctx context.Context, endpoint, dateField, field string, start, end time.Time, limit int) []TermCount {
	return s.CountBy(ctx, endpoint, field, DateSearch(dateField, start, end), limit)
}

// Search returns a single page of records matching query. extra is merged
// into the request parameters.
func (s *Service) Search(ctx context.Context, endpoint, query string, limit int, extra url.Values) []json.RawMessage {
	params := url.Values{}
	for k, vs := range extra {
		params[k] = append([]string(nil), vs...)
	}
	if query != "" {
		params.Set("search", query)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	res := s.fetcher.Fetch(ctx, endpoint, params)
	if res.Failed() {
		s.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(res.Error.Class)).
			Msg("Search query failed")
		return []json.RawMessage{}
	}
	return res.Results
}

// Sample collects up to maxRecords records across pages.
func (s *Service) Sample(ctx context.Context, endpoint, search string, maxRecords int) []json.RawMessage {
	params := url.Values{}
	if search != "" {
		params.Set("search", search)
	}

	records := s.paginator.FetchAll(ctx, endpoint, params, maxRecords)
	if records == nil {
		return []json.RawMessage{}
	}
	return records
}
