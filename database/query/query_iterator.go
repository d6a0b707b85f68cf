// SPDX-License-Identifier: ice License 1.0

package query

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ice-blockchain/outpost/model"
)

// batchedRows walks the events table newest-first in fixed-size batches.
// system_created_at is the paging pivot: every fetch returns rows strictly
// older than the previous batch, so inserts happening mid-iteration never
// shift the window.
type batchedRows struct {
	fetch   func(pivot int64) (*sqlx.Rows, error)
	oneShot bool
}

func (b *batchedRows) Each(ctx context.Context, fn func(*model.Event) error) error {
	for pivot := int64(0); ctx.Err() == nil; {
		next, err := b.drainBatch(ctx, fn, pivot)
		if err != nil {
			return err
		}
		if next == pivot || b.oneShot {
			return nil
		}
		pivot = next
	}

	return ctx.Err()
}

func (b *batchedRows) drainBatch(ctx context.Context, fn func(*model.Event) error, pivot int64) (int64, error) {
	rows, err := b.fetch(pivot)
	if err != nil {
		return -1, errors.Wrap(err, "failed to fetch events batch")
	}
	if rows == nil {
		return pivot, nil
	}
	defer rows.Close()

	for rows.Next() && ctx.Err() == nil {
		row, rErr := decodeEventRow(rows)
		if rErr != nil {
			return -1, rErr
		}
		if pivot == 0 || row.SystemCreatedAt < pivot {
			pivot = row.SystemCreatedAt
		}
		if err = fn(&row.Event); err != nil {
			return -1, errors.Wrap(err, "failed to process event")
		}
	}

	return pivot, nil
}

func decodeEventRow(rows *sqlx.Rows) (*databaseEvent, error) {
	var row databaseEvent
	if err := rows.StructScan(&row); err != nil {
		return nil, errors.Wrap(err, "failed to scan event row")
	}
	if row.Jtags != "" {
		if err := row.Tags.Scan(row.Jtags); err != nil {
			return nil, errors.Wrapf(err, "failed to decode tags of event %v", row.ID)
		}
	}

	return &row, nil
}
