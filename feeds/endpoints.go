package feeds

import (
	"context"

	"github.com/hazyhaar/procura/actionlog"
	"github.com/hazyhaar/procura/kit"
)

// Requests shared by the HTTP and MCP surfaces.
type (
	runRequest struct {
		ConnectorID string `json:"connector_id"`
	}
	opportunityRequest struct {
		ID string `json:"id"`
	}
	runsRequest struct {
		ConnectorID string `json:"connector_id"`
		Limit       int    `json:"limit"`
	}
	listRequest struct {
		ConnectorID  string `json:"connector_id"`
		Status       string `json:"status"`
		Query        string `json:"query"`
		ClosesBefore int64  `json:"closes_before"`
		Limit        int    `json:"limit"`
		Offset       int    `json:"offset"`
	}
)

// endpoint decorates base with the action log when one is configured.
func (s *Service) endpoint(action string, base kit.Endpoint) kit.Endpoint {
	if s.actions == nil {
		return base
	}
	return kit.Chain(actionlog.Middleware(s.actions, action))(base)
}

func (s *Service) runEndpoint() kit.Endpoint {
	return s.endpoint("run_connector", func(ctx context.Context, req any) (any, error) {
		return s.RunNow(ctx, req.(*runRequest).ConnectorID)
	})
}

func (s *Service) listEndpoint() kit.Endpoint {
	return s.endpoint("list_opportunities", func(ctx context.Context, req any) (any, error) {
		p := req.(*listRequest)
		return s.List(ctx, Filter{
			ConnectorID:  p.ConnectorID,
			Status:       p.Status,
			Query:        p.Query,
			ClosesBefore: p.ClosesBefore,
			Limit:        p.Limit,
			Offset:       p.Offset,
		})
	})
}

func (s *Service) getEndpoint() kit.Endpoint {
	return s.endpoint("get_opportunity", func(ctx context.Context, req any) (any, error) {
		return s.Get(ctx, req.(*opportunityRequest).ID)
	})
}

func (s *Service) historyEndpoint() kit.Endpoint {
	return s.endpoint("opportunity_history", func(ctx context.Context, req any) (any, error) {
		return s.History(ctx, req.(*opportunityRequest).ID)
	})
}

func (s *Service) submittableEndpoint() kit.Endpoint {
	return s.endpoint("check_submittable", func(ctx context.Context, req any) (any, error) {
		return s.CheckSubmittable(ctx, req.(*opportunityRequest).ID)
	})
}

func (s *Service) connectorsEndpoint() kit.Endpoint {
	return s.endpoint("list_connectors", func(ctx context.Context, _ any) (any, error) {
		return s.Connectors(ctx)
	})
}

func (s *Service) runsEndpoint() kit.Endpoint {
	return s.endpoint("list_runs", func(ctx context.Context, req any) (any, error) {
		p := req.(*runsRequest)
		return s.Runs(ctx, p.ConnectorID, p.Limit)
	})
}
