package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/errors"

	"filingsync/internal/record"
)

type endpoints struct {
	list   string
	detail string
}

var kindEndpoints = map[record.Kind]endpoints{
	record.KindContribution: {list: "/schedules/schedule_a/", detail: "/schedules/schedule_a/%s/"},
	record.KindCommittee:    {list: "/committees/", detail: "/committee/%s/"},
	record.KindCandidate:    {list: "/candidates/", detail: "/candidate/%s/"},
}

// ListEndpoint returns the collection endpoint of kind.
func ListEndpoint(kind record.Kind) (string, error) {
	e, ok := kindEndpoints[kind]
	if !ok {
		return "", errors.Errorf("no endpoint for kind '%s'", kind)
	}
	return e.list, nil
}

// DetailEndpoint returns the endpoint of a single entity of kind.
func DetailEndpoint(kind record.Kind, id string) (string, error) {
	e, ok := kindEndpoints[kind]
	if !ok {
		return "", errors.Errorf("no endpoint for kind '%s'", kind)
	}
	return fmt.Sprintf(e.detail, url.PathEscape(id)), nil
}

// FetchByID returns the upstream document of one entity.
func (g *Gateway) FetchByID(ctx context.Context, kind record.Kind, id string) (map[string]any, error) {
	endpoint, err := DetailEndpoint(kind, id)
	if err != nil {
		return nil, err
	}
	resp, err := g.Request(ctx, endpoint, nil, Options{})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "GET %s", endpoint)
	}
	return resp.Results[0], nil
}
