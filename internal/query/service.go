// Package query serves record reads: the local store first, the upstream API
// when the store has nothing, with derived fields filled on the way out.
package query

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/backfill"
	"filingsync/internal/gateway"
	"filingsync/internal/record"
	"filingsync/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
	apiDate      = "2006-01-02"
)

// ErrNotFound is returned when neither the store nor the upstream API know
// a record.
var ErrNotFound = store.ErrNotFound

// API is the upstream surface the service falls back to.
type API interface {
	Request(ctx context.Context, endpoint string, params url.Values, opts gateway.Options) (*gateway.Response, error)
	FetchByID(ctx context.Context, kind record.Kind, id string) (map[string]any, error)
}

// Filters select records. Empty fields do not constrain the result.
type Filters struct {
	Kind      record.Kind
	ParentID  string
	RelatedID string
	Name      string
	State     string
	From      *time.Time
	To        *time.Time
	MinAmount *float64
}

// DateRange bounds record dates, inclusive. Nil ends are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

type Service struct {
	db       *store.DB
	api      API
	backfill *backfill.Worker
}

// New builds a read service. api and bf may be nil to serve from the store
// only.
func New(db *store.DB, api API, bf *backfill.Worker) *Service {
	return &Service{db: db, api: api, backfill: bf}
}

// GetRecord returns the record with id. When the store does not have it the
// detail endpoint of kind is asked and the result stored.
func (s *Service) GetRecord(ctx context.Context, kind record.Kind, id string) (*record.Record, error) {
	rec, err := s.db.GetRecord(ctx, id)
	if err == nil {
		s.resolve(ctx, rec)
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) || s.api == nil || kind == "" {
		return nil, err
	}

	doc, err := s.api.FetchByID(ctx, kind, id)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	if err != nil {
		return nil, err
	}
	endpoint, _ := gateway.DetailEndpoint(kind, id)
	recs, err := s.persist(ctx, []*record.Record{backfill.FromDocument(kind, id, doc, "api:"+endpoint)})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// SearchRecords returns up to limit records matching f. When the store has
// none and f names a kind, the list endpoint is asked.
func (s *Service) SearchRecords(ctx context.Context, f Filters, limit int) ([]*record.Record, error) {
	limit = clampLimit(limit)
	recs, err := s.db.SearchRecords(ctx, storeFilter(f, limit))
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 || s.api == nil || f.Kind == "" {
		s.resolveAll(ctx, recs)
		return recs, nil
	}
	return s.fromAPI(ctx, f.Kind, apiParams(f), limit)
}

// GetRelatedRecords returns the contributions received by parentID within
// dr, newest first.
func (s *Service) GetRelatedRecords(ctx context.Context, parentID string, dr DateRange, limit int) ([]*record.Record, error) {
	if parentID == "" {
		return nil, errors.New("parent id is required")
	}
	return s.SearchRecords(ctx, Filters{
		Kind:     record.KindContribution,
		ParentID: parentID,
		From:     dr.From,
		To:       dr.To,
	}, limit)
}

func (s *Service) fromAPI(ctx context.Context, kind record.Kind, params url.Values, limit int) ([]*record.Record, error) {
	endpoint, err := gateway.ListEndpoint(kind)
	if err != nil {
		return nil, err
	}
	params.Set("per_page", strconv.Itoa(limit))
	resp, err := s.api.Request(ctx, endpoint, params, gateway.Options{MaxResults: limit})
	if err != nil {
		return nil, err
	}

	mapping := record.Mappings[kind]
	incoming := make([]*record.Record, 0, len(resp.Results))
	for _, doc := range resp.Results {
		rec, ok := mapping.Apply(doc, "api:"+endpoint)
		if !ok {
			log.WithField("endpoint", endpoint).Debug("skipping upstream result without id")
			continue
		}
		incoming = append(incoming, rec)
	}
	if len(incoming) == 0 {
		return []*record.Record{}, nil
	}
	return s.persist(ctx, incoming)
}

// persist merges incoming through the record store and returns the stored
// versions in the incoming order.
func (s *Service) persist(ctx context.Context, incoming []*record.Record) ([]*record.Record, error) {
	if _, err := s.db.UpsertRecords(ctx, incoming); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(incoming))
	seen := make(map[string]struct{}, len(incoming))
	for _, rec := range incoming {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}
	stored, err := store.LoadRecords(ctx, s.db.Reader(), ids)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := stored[id]; ok {
			out = append(out, rec)
		}
	}
	s.resolveAll(ctx, out)
	return out, nil
}

func (s *Service) resolve(ctx context.Context, rec *record.Record) {
	if s.backfill != nil {
		s.backfill.ResolveAll(ctx, rec)
	}
}

func (s *Service) resolveAll(ctx context.Context, recs []*record.Record) {
	for _, rec := range recs {
		s.resolve(ctx, rec)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func storeFilter(f Filters, limit int) store.RecordFilter {
	return store.RecordFilter{
		Kind:      f.Kind,
		ParentID:  f.ParentID,
		RelatedID: f.RelatedID,
		Name:      f.Name,
		State:     f.State,
		From:      f.From,
		To:        f.To,
		MinAmount: f.MinAmount,
		Limit:     limit,
	}
}

// apiParams translates f into the list endpoint parameters of its kind.
func apiParams(f Filters) url.Values {
	p := url.Values{}
	set := func(k, v string) {
		if v != "" {
			p.Set(k, v)
		}
	}
	switch f.Kind {
	case record.KindContribution:
		set("committee_id", f.ParentID)
		set("contributor_name", f.Name)
		set("contributor_state", f.State)
		if f.From != nil {
			p.Set("min_date", f.From.Format(apiDate))
		}
		if f.To != nil {
			p.Set("max_date", f.To.Format(apiDate))
		}
		if f.MinAmount != nil {
			p.Set("min_amount", strconv.FormatFloat(*f.MinAmount, 'f', -1, 64))
		}
		p.Set("sort", "-contribution_receipt_date")
	case record.KindCommittee:
		set("q", f.Name)
		set("state", f.State)
		set("candidate_id", f.RelatedID)
	case record.KindCandidate:
		set("q", f.Name)
		set("state", f.State)
		set("committee_id", f.ParentID)
	}
	return p
}
