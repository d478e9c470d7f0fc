package controllers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ilyaizen/habistat/api/middleware"
	"github.com/ilyaizen/habistat/api/responses"
	"github.com/ilyaizen/habistat/api/validators"
	"github.com/ilyaizen/habistat/internal/remote"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/pagination"
)

// maxCursorLen bounds the opaque cursor a client may echo back.
const maxCursorLen = 256

// SyncStore is the account-side store; *remote.Server satisfies it.
type SyncStore interface {
	Query(ctx context.Context, ownerID string, kind models.Kind, filter remote.Filter) (remote.Page, error)
	Mutate(ctx context.Context, ownerID string, kind models.Kind, rec remote.Record) (remote.MutateResult, error)
}

// SyncPull serves GET /api/v1/sync/{kind}?since=&cursor=&limit=.
func SyncPull(store SyncStore, m *metrics.SyncMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		kind, err := kindParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithEntity(ctx, string(kind))
		}

		since, err := validators.ParseQueryInt64(r, "since", 0)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor, err := validators.QueryString(r, "cursor", maxCursorLen)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		page, err := store.Query(ctx, middleware.UserIDFromContext(ctx), kind, remote.Filter{
			UpdatedSince: since,
			Cursor:       cursor,
			Limit:        limit,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if page.Records == nil {
			page.Records = []remote.Record{}
		}
		m.AddRecords(string(kind), "served", len(page.Records))
		responses.WriteSuccess(w, page)
	}
}

// SyncPush serves POST /api/v1/sync/{kind} with body {"record": {...}}.
func SyncPush(store SyncStore, m *metrics.SyncMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		kind, err := kindParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithEntity(ctx, string(kind))
		}

		var req remote.MutateRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := store.Mutate(ctx, middleware.UserIDFromContext(ctx), kind, req.Record)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if result.Applied {
			m.AddRecords(string(kind), "received", 1)
		} else {
			m.AddConflicts(string(kind), 1)
		}
		responses.WriteSuccess(w, result)
	}
}

func kindParam(r *http.Request) (models.Kind, error) {
	raw := chi.URLParam(r, "kind")
	kind, err := models.ParseKind(raw)
	if err != nil {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown entity kind %q", raw)).
			WithDetails(map[string]any{"kind": raw})
	}
	return kind, nil
}
