// SPDX-License-Identifier: ice License 1.0

package query

import (
	"context"
	"sync"

	"github.com/ice-blockchain/outpost/model"
)

var (
	globalDB struct {
		Client *dbClient
		Once   sync.Once
	}
)

func MustInit(url ...string) {
	target := ":memory:"

	if len(url) > 0 {
		target = url[0]
	}

	globalDB.Once.Do(func() {
		globalDB.Client = openDatabase(target, true)
	})
}

// RootStore is the node's own (unlabeled) event partition.
func RootStore() *Store {
	return &Store{client: globalDB.Client}
}

// LabeledStore is an isolated partition sharing the same database file.
func LabeledStore(label string) *Store {
	return &Store{client: globalDB.Client, label: label}
}

func AcceptEvent(ctx context.Context, event *model.Event) error {
	return RootStore().AcceptEvent(ctx, event)
}

func GetStoredEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	return RootStore().SelectEvents(ctx, subscription)
}

func Close() error {
	if globalDB.Client != nil {
		return globalDB.Client.DB.Close()
	}

	return nil
}
