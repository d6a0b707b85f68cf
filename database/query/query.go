// SPDX-License-Identifier: ice License 1.0

package query

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ice-blockchain/outpost/model"
)

const (
	selectDefaultBatchLimit = 100
)

var (
	ErrUnexpectedRowsAffected   = errors.New("unexpected rows affected")
	errEventIteratorInterrupted = errors.New("interrupted")
)

type (
	databaseEvent struct {
		model.Event
		SystemCreatedAt int64
		DTag            string
		Label           string
		Jtags           string
	}

	EventIterator iter.Seq2[*model.Event, error]

	// Store is a view of the event table scoped to one label partition.
	// The empty label is the node's own store; communities get their own.
	Store struct {
		client *dbClient
		label  string
	}

	Stats struct {
		Events    int64 `json:"events"`
		SizeBytes int64 `json:"sizeBytes"`
	}
)

// AcceptEvent applies the store-side persistence rules: ephemeral kinds are
// never stored, deletions remove what they reference, replaceable kinds keep
// only the newest (kind, pubkey[, d-tag]) instance and re-inserting the same
// id reports model.ErrDuplicate.
func (s *Store) AcceptEvent(ctx context.Context, event *model.Event) error {
	if event.IsEphemeral() {
		return nil
	}
	if event.Kind == 5 {
		return s.acceptDeletion(ctx, event)
	}
	if event.IsReplaceable() || event.IsParameterizedReplaceable() {
		return s.saveReplaceableEvent(ctx, event)
	}

	return s.saveEvent(ctx, event)
}

func (s *Store) acceptDeletion(ctx context.Context, event *model.Event) error {
	refs, err := model.ParseEventReference(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to detect events for delete")
	}
	filters := model.Filters{}
	for _, r := range refs {
		filters = append(filters, r.Filter())
	}
	if len(filters) == 0 {
		return nil
	}
	if err = s.DeleteEvents(ctx, &model.Subscription{Filters: filters}, event.PubKey); err != nil {
		return errors.Wrapf(err, "failed to delete events %+v", filters)
	}

	return nil
}

func (s *Store) saveReplaceableEvent(ctx context.Context, event *model.Event) error {
	dTag := ""
	if event.IsParameterizedReplaceable() {
		dTag = event.Tags.GetD()
	}

	var existing []databaseEvent
	const lookup = `select created_at, id from events
where kind = :kind AND pubkey = :pubkey AND label = :label AND d_tag = :d_tag`
	stmt, err := s.client.prepare(ctx, lookup, hashSQL(lookup))
	if err != nil {
		return errors.Wrap(err, "failed to prepare replaceable lookup")
	}
	err = stmt.SelectContext(ctx, &existing, map[string]any{
		"kind": event.Kind, "pubkey": event.PubKey, "label": s.label, "d_tag": dTag,
	})
	if err != nil {
		return errors.Wrap(err, "failed to look up replaceable event")
	}
	for i := range existing {
		if existing[i].ID == event.ID {
			return model.ErrDuplicate
		}
		if existing[i].CreatedAt >= event.CreatedAt {
			// Kept copy is newer, the incoming one is stale. Not an error.
			return nil
		}
	}
	if len(existing) > 0 {
		const del = `delete from events where kind = :kind AND pubkey = :pubkey AND label = :label AND d_tag = :d_tag`
		if _, err = s.client.exec(ctx, del, map[string]any{
			"kind": event.Kind, "pubkey": event.PubKey, "label": s.label, "d_tag": dTag,
		}); err != nil {
			return errors.Wrap(err, "failed to replace older event")
		}
	}

	return s.saveEvent(ctx, event)
}

func (s *Store) saveEvent(ctx context.Context, event *model.Event) error {
	const stmt = `insert into events
	(id, kind, created_at, system_created_at, pubkey, sig, content, tags, d_tag, label)
values
	(:id, :kind, :created_at, :system_created_at, :pubkey, :sig, :content, :jtags, :d_tag, :label)
on conflict (id) do nothing`

	jtags, err := json.Marshal(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}

	dbEvent := databaseEvent{
		Event:           *event,
		SystemCreatedAt: time.Now().UnixNano(),
		DTag:            event.Tags.GetD(),
		Label:           s.label,
		Jtags:           string(jtags),
	}

	rowsAffected, err := s.client.exec(ctx, stmt, dbEvent)
	if err != nil {
		return errors.Wrap(err, "failed to exec insert event sql")
	}
	if rowsAffected == 0 {
		return model.ErrDuplicate
	}

	return s.saveEventTags(ctx, event)
}

func (s *Store) saveEventTags(ctx context.Context, event *model.Event) error {
	const stmt = `insert into event_tags (event_id, event_tag_key, event_tag_value) values (:event_id, :event_tag_key, :event_tag_value)`

	for _, tag := range event.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			// Only single-letter tags are indexed for filtering.
			continue
		}
		if _, err := s.client.exec(ctx, stmt, map[string]any{
			"event_id": event.ID, "event_tag_key": tag[0], "event_tag_value": tag[1],
		}); err != nil {
			return errors.Wrapf(err, "failed to index tag %q of event %v", tag[0], event.ID)
		}
	}

	return nil
}

func (s *Store) SelectEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	limit := int64(selectDefaultBatchLimit)
	hasLimitFilter := subscription != nil && len(subscription.Filters) > 0 && subscription.Filters[0].Limit > 0
	if hasLimitFilter {
		limit = int64(subscription.Filters[0].Limit)
	}

	it := &batchedRows{
		oneShot: hasLimitFilter && limit <= selectDefaultBatchLimit,
		fetch: func(pivot int64) (*sqlx.Rows, error) {
			if limit <= 0 {
				return nil, nil
			}

			sqlStmt, params, err := generateSelectEventsSQL(s.label, subscription, pivot, min(selectDefaultBatchLimit, limit))
			if err != nil {
				return nil, err
			}

			stmt, err := s.client.prepare(ctx, sqlStmt, hashSQL(sqlStmt))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to prepare query sql: %q", sqlStmt)
			}

			rows, err := stmt.QueryxContext(ctx, params)
			if err != nil {
				err = errors.Wrapf(err, "failed to query events sql: %q", sqlStmt)
			}

			if hasLimitFilter && err == nil {
				limit -= selectDefaultBatchLimit
			}

			return rows, err
		}}

	return func(yield func(*model.Event, error) bool) {
		err := it.Each(ctx, func(event *model.Event) error {
			if !yield(event, nil) {
				return errEventIteratorInterrupted
			}

			return nil
		})

		if err != nil && !errors.Is(err, errEventIteratorInterrupted) {
			yield(nil, errors.Wrap(err, "failed to iterate events"))
		}
	}
}

// DeleteEvents removes the events matched by the subscription. A non-empty
// ownerPubKey restricts removal to events that pubkey authored; the empty
// string removes unconditionally (used by community identities).
func (s *Store) DeleteEvents(ctx context.Context, subscription *model.Subscription, ownerPubKey string) error {
	where, params, err := generateEventsWhereClause(s.label, subscription)
	if err != nil {
		return errors.Wrap(err, "failed to generate events where clause")
	}

	ownerClause := ""
	if ownerPubKey != "" {
		ownerClause = ` AND pubkey = :owner_pub_key`
		params["owner_pub_key"] = ownerPubKey
	}
	if _, err = s.client.exec(ctx, fmt.Sprintf(`delete from events where %v`, where)+ownerClause, params); err != nil {
		return errors.Wrap(err, "failed to exec delete events sql")
	}

	return nil
}

func (s *Store) CountEvents(ctx context.Context, subscription *model.Subscription) (count int64, err error) {
	where, params, err := generateEventsWhereClause(s.label, subscription)
	if err != nil {
		return -1, errors.Wrap(err, "failed to generate events where clause")
	}

	sqlStmt := `select count(id) from events e where ` + where

	stmt, err := s.client.prepare(ctx, sqlStmt, hashSQL(sqlStmt))
	if err != nil {
		return -1, errors.Wrapf(err, "failed to prepare query sql: %q", sqlStmt)
	}

	err = stmt.GetContext(ctx, &count, params)
	if err != nil {
		err = errors.Wrapf(err, "failed to query events count sql: %q", sqlStmt)
	}

	return count, err
}

// Clear drops every event of this store's label partition.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.client.exec(ctx, `delete from events where label = :label`, map[string]any{"label": s.label})

	return errors.Wrap(err, "failed to clear events")
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := new(Stats)
	if err := s.client.GetContext(ctx, &stats.Events, `select count(id) from events where label = ?`, s.label); err != nil {
		return nil, errors.Wrap(err, "failed to count events")
	}

	var pageCount, pageSize sql.NullInt64
	if err := s.client.GetContext(ctx, &pageCount, `pragma page_count`); err != nil {
		return nil, errors.Wrap(err, "failed to read page_count")
	}
	if err := s.client.GetContext(ctx, &pageSize, `pragma page_size`); err != nil {
		return nil, errors.Wrap(err, "failed to read page_size")
	}
	stats.SizeBytes = pageCount.Int64 * pageSize.Int64

	return stats, nil
}

func generateSelectEventsSQL(label string, subscription *model.Subscription, systemCreatedAtPivot, limit int64) (sql string, params map[string]any, err error) {
	where, params, err := generateEventsWhereClause(label, subscription)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to generate events where clause")
	}

	var systemCreatedAtFilter string
	if systemCreatedAtPivot != 0 {
		systemCreatedAtFilter = " (system_created_at < :system_created_at_pivot) AND "
		params["system_created_at_pivot"] = systemCreatedAtPivot
	}

	var limitQuery string
	if limit > 0 {
		params["mainlimit"] = limit
		limitQuery = " limit :mainlimit"
	}

	return `
select
	e.id,
	e.kind,
	e.created_at,
	e.system_created_at,
	e.pubkey,
	e.sig,
	e.content,
	tags as jtags
from
	events e
where ` + systemCreatedAtFilter + `(` + where + `)
order by
	system_created_at desc
` + limitQuery, params, nil
}

func generateEventsWhereClause(label string, subscription *model.Subscription) (clause string, params map[string]any, err error) {
	var filters model.Filters

	if subscription != nil {
		filters = subscription.Filters
	}

	return newWhereBuilder().Build(label, filters...)
}
