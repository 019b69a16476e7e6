package main

import (
	"taskagent/pkg/queue"
	"taskagent/pkg/store"
)

// openQueues opens the queue database and returns a manager over it. The
// caller owns closing the store.
func openQueues(dbPath string) (*store.Store, *queue.Manager, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return st, queue.NewManager(st, queue.Options{}), nil
}
