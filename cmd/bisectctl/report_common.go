package main

import (
	"context"

	"github.com/kbisect/kbisect/internal/config"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/output"
	"github.com/kbisect/kbisect/internal/store"
)

// openStore opens just the Store, for read-only commands (status, report,
// logs, metadata) that have no business touching RemoteExec or
// PowerController.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	st, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, nil, domain.NewError(domain.ErrStoreIO, err)
	}
	return st, func() { _ = st.Close() }, nil
}

// summaryView projects a domain.SessionSummary (and, when the caller has
// them, the session's full iteration rows) into output's report shape.
func summaryView(summary *domain.SessionSummary, iterations []domain.Iteration) output.SessionSummaryView {
	s := summary.Session
	v := output.SessionSummaryView{
		SessionID:   s.ID,
		GoodRef:     s.GoodRef,
		BadRef:      s.BadRef,
		Status:      string(s.Status),
		FirstBad:    s.FirstBad,
		Created:     s.CreatedAt.Format(timeLayout),
		HaltedHosts: summary.UnreachableHosts,
	}
	if s.EndedAt != nil {
		v.Ended = s.EndedAt.Format(timeLayout)
	}
	for _, it := range iterations {
		row := output.IterationRow{
			Index:   it.Index,
			SHA:     it.SHA,
			Message: it.Message,
			Verdict: string(it.Verdict),
			Started: it.StartedAt.Format(timeLayout),
		}
		if it.EndedAt != nil {
			row.Ended = it.EndedAt.Format(timeLayout)
		}
		v.Iterations = append(v.Iterations, row)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
