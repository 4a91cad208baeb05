package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/rateable/internal/domain"
)

const ratingColumns = `id::text, resource_kind, resource_id, reviewer_id, score, created_at, updated_at`

func scanRating(row pgx.Row) (domain.Rating, error) {
	var rt domain.Rating
	err := row.Scan(
		&rt.ID,
		&rt.Resource.Kind,
		&rt.Resource.ID,
		&rt.ReviewerID,
		&rt.Score,
		&rt.CreatedAt,
		&rt.UpdatedAt,
	)
	rt.CreatedAt = rt.CreatedAt.UTC()
	rt.UpdatedAt = rt.UpdatedAt.UTC()
	return rt, err
}

func findRating(ctx context.Context, q queryer, key domain.RatingKey) (domain.Rating, error) {
	query := `SELECT ` + ratingColumns + `
        FROM ratings
        WHERE resource_kind = $1 AND resource_id = $2 AND reviewer_id = $3`

	rt, err := scanRating(q.QueryRow(ctx, query, key.Resource.Kind, key.Resource.ID, key.ReviewerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rating{}, domain.ErrNotFound
		}
		return domain.Rating{}, fmt.Errorf("find rating: %w", err)
	}
	return rt, nil
}

func findRatingsForResource(ctx context.Context, q queryer, resource domain.ResourceRef) ([]domain.Rating, error) {
	query := `SELECT ` + ratingColumns + `
        FROM ratings
        WHERE resource_kind = $1 AND resource_id = $2
        ORDER BY created_at, id`

	rows, err := q.Query(ctx, query, resource.Kind, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("find ratings: %w", err)
	}
	ratings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Rating, error) {
		return scanRating(row)
	})
	if err != nil {
		return nil, fmt.Errorf("find ratings: %w", err)
	}
	return ratings, nil
}

func insertRating(ctx context.Context, q queryer, rt domain.Rating) (domain.Rating, error) {
	const query = `
        INSERT INTO ratings (resource_kind, resource_id, reviewer_id, score, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id::text
    `
	err := q.QueryRow(ctx, query,
		rt.Resource.Kind,
		rt.Resource.ID,
		rt.ReviewerID,
		rt.Score,
		rt.CreatedAt,
		rt.UpdatedAt,
	).Scan(&rt.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Rating{}, domain.ErrAlreadyRated
		}
		return domain.Rating{}, err
	}
	return rt, nil
}

// updateRating writes score and updated_at only; identity columns never change.
func updateRating(ctx context.Context, q queryer, rt domain.Rating) error {
	const query = `UPDATE ratings SET score = $2, updated_at = $3 WHERE id = $1::uuid`

	tag, err := q.Exec(ctx, query, rt.ID, rt.Score, rt.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func deleteRating(ctx context.Context, q queryer, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM ratings WHERE id = $1::uuid`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
