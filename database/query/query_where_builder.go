// SPDX-License-Identifier: ice License 1.0

package query

import (
	"strconv"
	"strings"

	"github.com/ice-blockchain/outpost/model"
)

const (
	whereBuilderDefaultWhere = "1=1"

	tagValuesMax = 21
)

type whereBuilder struct {
	Params map[string]any
	strings.Builder
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{
		Params: make(map[string]any),
	}
}

func (w *whereBuilder) addParam(filterID, name string, value any) (key string) {
	key = filterID + name
	w.Params[key] = value

	return key
}

func deduplicateSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	j := 0
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		s[j] = v
		j++
	}

	return s[:j]
}

func buildFromSlice[T comparable](builder *whereBuilder, filterID string, s []T, name string) {
	if len(s) == 0 {
		return
	}

	builder.maybeAND()
	builder.WriteString(name)
	s = deduplicateSlice(s)
	if len(s) == 1 {
		builder.WriteString(" = :")
		builder.WriteString(builder.addParam(filterID, name, s[0]))

		return
	}

	builder.WriteString(" IN (")
	for i := range len(s) - 1 {
		builder.WriteRune(':')
		builder.WriteString(builder.addParam(filterID, name+strconv.Itoa(i), s[i]))
		builder.WriteRune(',')
	}
	builder.WriteRune(':')
	builder.WriteString(builder.addParam(filterID, name+strconv.Itoa(len(s)-1), s[len(s)-1]))
	builder.WriteRune(')')
}

func (w *whereBuilder) isOnBegin() bool {
	s := w.String()
	if s == "" {
		return true
	}

	return s[len(s)-1] == '('
}

func (w *whereBuilder) maybeAND() {
	if w.isOnBegin() {
		return
	}

	w.WriteString(" AND ")
}

func (w *whereBuilder) maybeOR() {
	if w.isOnBegin() {
		return
	}

	w.WriteString(" OR ")
}

func (w *whereBuilder) applyFilterTags(filterID string, tags model.TagMap) {
	tagID := 0
	for tag, values := range tags {
		if len(values) == 0 {
			continue
		}
		if len(values) > tagValuesMax {
			values = values[:tagValuesMax]
		}
		tagID++
		w.maybeAND()
		w.WriteString("id IN (select event_id from event_tags where event_tag_key = :")
		w.WriteString(w.addParam(filterID, "tag"+strconv.Itoa(tagID), tag))
		buildFromSlice(w, filterID+"tag"+strconv.Itoa(tagID)+"v", values, "event_tag_value")
		w.WriteRune(')')
	}
}

func (w *whereBuilder) applyTimeRange(filterID string, since, until *model.Timestamp) {
	if since != nil {
		w.maybeAND()
		w.WriteString("created_at >= :")
		w.WriteString(w.addParam(filterID, "since", int64(*since)))
	}
	// `until` is an exclusive upper bound.
	if until != nil {
		w.maybeAND()
		w.WriteString("created_at < :")
		w.WriteString(w.addParam(filterID, "until", int64(*until)))
	}
}

func (w *whereBuilder) applySearch(filterID, search string) {
	if search == "" {
		return
	}

	w.maybeAND()
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(search)
	w.WriteString(`content LIKE :`)
	w.WriteString(w.addParam(filterID, "search", "%"+escaped+"%"))
	w.WriteString(` ESCAPE '\'`)
}

func (w *whereBuilder) applyFilter(idx int, filter *model.Filter) {
	filterID := "filter" + strconv.Itoa(idx) + "_"

	w.WriteRune('(')
	buildFromSlice(w, filterID, filter.IDs, "id")
	buildFromSlice(w, filterID, filter.Kinds, "kind")
	buildFromSlice(w, filterID, filter.Authors, "pubkey")
	w.applyFilterTags(filterID, filter.Tags)
	w.applyTimeRange(filterID, filter.Since, filter.Until)
	w.applySearch(filterID, filter.Search)
	if w.isOnBegin() {
		w.WriteString(whereBuilderDefaultWhere)
	}
	w.WriteRune(')')
}

// Build compiles the filters into a single where clause: filters are OR'ed
// together, the constraints inside one filter are AND'ed, and the whole
// expression is scoped to the given label partition.
func (w *whereBuilder) Build(label string, filters ...model.Filter) (clause string, params map[string]any, err error) {
	w.WriteString("label = :label AND (")
	w.Params["label"] = label

	if len(filters) == 0 {
		w.WriteString(whereBuilderDefaultWhere)
	}
	for idx := range filters {
		w.maybeOR()
		w.applyFilter(idx, &filters[idx])
	}
	w.WriteRune(')')

	return w.String(), w.Params, nil
}
