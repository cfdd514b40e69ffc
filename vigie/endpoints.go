package vigie

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/vigie/internal/pipeline"
)

// WatchRequest names one watch.
type WatchRequest struct {
	ID string `json:"id"`
}

// ChangesRequest selects change history. An empty ID lists every watch.
type ChangesRequest struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ChangeRequest names one change.
type ChangeRequest struct {
	ID string `json:"id"`
}

// MetricsRequest selects metric datapoints.
type MetricsRequest struct {
	Name string `json:"name,omitempty"`
	// Since is a Go duration ("1h"); empty means unbounded.
	Since string `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// CheckResponse is returned by a manual check. Outcome is nil when the
// check was handed to the scheduler.
type CheckResponse struct {
	Accepted bool          `json:"accepted"`
	Outcome  *CheckOutcome `json:"outcome,omitempty"`
}

// CheckOutcome is a cycle outcome with its error as text.
type CheckOutcome struct {
	*pipeline.Outcome
	Error string `json:"error,omitempty"`
}

func outcomeView(o *pipeline.Outcome) *CheckOutcome {
	v := &CheckOutcome{Outcome: o}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

type endpoints struct {
	listWatches kit.Endpoint
	watchStatus kit.Endpoint
	listChanges kit.Endpoint
	getChange   kit.Endpoint
	checkNow    kit.Endpoint
	metrics     kit.Endpoint
}

func (s *Service) endpoints() *endpoints {
	wrap := func(name string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.logger, name))(e)
	}
	return &endpoints{
		listWatches: wrap("list_watches", func(ctx context.Context, _ any) (any, error) {
			return s.Status(ctx)
		}),
		watchStatus: wrap("watch_status", func(ctx context.Context, req any) (any, error) {
			r, err := asRequest[WatchRequest](req)
			if err != nil {
				return nil, err
			}
			return s.WatchStatus(ctx, r.ID)
		}),
		listChanges: wrap("list_changes", func(ctx context.Context, req any) (any, error) {
			r, err := asRequest[ChangesRequest](req)
			if err != nil {
				return nil, err
			}
			return s.Changes(ctx, r.ID, r.Limit)
		}),
		getChange: wrap("get_change", func(ctx context.Context, req any) (any, error) {
			r, err := asRequest[ChangeRequest](req)
			if err != nil {
				return nil, err
			}
			return s.Change(ctx, r.ID)
		}),
		metrics: wrap("metrics", func(ctx context.Context, req any) (any, error) {
			r, err := asRequest[MetricsRequest](req)
			if err != nil {
				return nil, err
			}
			var window time.Duration
			if r.Since != "" {
				if window, err = time.ParseDuration(r.Since); err != nil {
					return nil, fmt.Errorf("%w: since: %w", ErrInvalidArgument, err)
				}
			}
			return s.QueryMetrics(ctx, r.Name, window, r.Limit)
		}),
		checkNow: wrap("check_now", func(ctx context.Context, req any) (any, error) {
			r, err := asRequest[WatchRequest](req)
			if err != nil {
				return nil, err
			}
			out, err := s.CheckNow(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return &CheckResponse{Accepted: true}, nil
			}
			return &CheckResponse{Outcome: outcomeView(out)}, nil
		}),
	}
}

func asRequest[T any](req any) (*T, error) {
	r, ok := req.(*T)
	if !ok || r == nil {
		return nil, fmt.Errorf("vigie: unexpected request %T", req)
	}
	return r, nil
}
