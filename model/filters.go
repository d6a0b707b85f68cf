// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// Known top-level filter keys. Anything else fails the whole filter:
// an unrecognized constraint the node cannot evaluate must not silently
// widen the query (default-deny).
var knownFilterKeys = map[string]struct{}{
	"ids":     {},
	"authors": {},
	"kinds":   {},
	"since":   {},
	"until":   {},
	"limit":   {},
	"search":  {},
}

func (eff Filters) Match(event *Event) bool {
	for i := range eff {
		if eff[i].Matches(event) {
			return true
		}
	}

	return false
}

// Matches reports whether the event satisfies every constraint present on
// the filter. `until` is an exclusive upper bound; `search` is a
// case-insensitive content substring.
func (ef *Filter) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if ef.Until != nil && event.CreatedAt >= *ef.Until {
		return false
	}
	if ef.Search != "" && !strings.Contains(strings.ToLower(event.Content), strings.ToLower(ef.Search)) {
		return false
	}

	return ef.Filter.Matches(&event.Event)
}

func (eff Filters) IsEmpty() bool {
	for i := range eff {
		if !isFilterEmpty(&eff[i]) {
			return false
		}
	}

	return true
}

func isFilterEmpty(filter *Filter) bool {
	return len(filter.IDs) == 0 &&
		len(filter.Kinds) == 0 &&
		len(filter.Authors) == 0 &&
		len(filter.Tags) == 0 &&
		filter.Since == nil &&
		filter.Until == nil &&
		filter.Search == ""
}

// ParseFilter decodes a single filter object, rejecting unknown keys.
func ParseFilter(raw []byte) (*Filter, error) {
	if err := checkFilterKeys(raw); err != nil {
		return nil, err
	}
	var filter Filter
	if err := json.Unmarshal(raw, &filter.Filter); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal filter")
	}

	return &filter, nil
}

func checkFilterKeys(raw []byte) (err error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return errors.New("filter is not a json object")
	}
	parsed.ForEach(func(key, _ gjson.Result) bool {
		name := key.String()
		if _, ok := knownFilterKeys[name]; ok {
			return true
		}
		if len(name) == 2 && name[0] == '#' {
			return true
		}
		err = errors.Wrapf(ErrUnknownFilterKey, "%q", name)

		return false
	})

	return err
}
