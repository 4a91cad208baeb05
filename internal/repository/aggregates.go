package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/rateable/internal/domain"
)

// getAggregate loads the aggregate row of resource. A missing row yields an
// unsaved aggregate with Version 0. With forUpdate the row stays locked until
// the surrounding transaction ends.
func getAggregate(ctx context.Context, q queryer, resource domain.ResourceRef, forUpdate bool) (*domain.Aggregate, error) {
	query := `
        SELECT votes, total, version, updated_at
        FROM rating_aggregates
        WHERE resource_kind = $1 AND resource_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	agg := domain.NewAggregate(resource)
	err := q.QueryRow(ctx, query, resource.Kind, resource.ID).Scan(&agg.Votes, &agg.Total, &agg.Version, &agg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewAggregate(resource), nil
		}
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return agg, nil
}

// saveAggregate inserts the first row of a resource or updates it when the
// stored version still matches agg.Version. Anything else is ErrConflict.
func saveAggregate(ctx context.Context, q queryer, agg *domain.Aggregate) error {
	var row pgx.Row
	if !agg.Persisted() {
		const insert = `
            INSERT INTO rating_aggregates (resource_kind, resource_id, votes, total, version, updated_at)
            VALUES ($1,$2,$3,$4,1,now())
            ON CONFLICT (resource_kind, resource_id) DO NOTHING
            RETURNING version, updated_at
        `
		row = q.QueryRow(ctx, insert, agg.Resource.Kind, agg.Resource.ID, agg.Votes, agg.Total)
	} else {
		const update = `
            UPDATE rating_aggregates
            SET votes = $3, total = $4, version = version + 1, updated_at = now()
            WHERE resource_kind = $1 AND resource_id = $2 AND version = $5
            RETURNING version, updated_at
        `
		row = q.QueryRow(ctx, update, agg.Resource.Kind, agg.Resource.ID, agg.Votes, agg.Total, agg.Version)
	}

	if err := row.Scan(&agg.Version, &agg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrConflict
		}
		return err
	}
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return nil
}

func deleteAggregate(ctx context.Context, q queryer, resource domain.ResourceRef) error {
	const query = `DELETE FROM rating_aggregates WHERE resource_kind = $1 AND resource_id = $2`
	_, err := q.Exec(ctx, query, resource.Kind, resource.ID)
	return err
}
