package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func customer(id int64, createdAt time.Time) types.CustomerRecord {
	return types.CustomerRecord{
		ID:        id,
		FirstName: fmt.Sprintf("First%d", id),
		LastName:  fmt.Sprintf("Last%d", id),
		Email:     fmt.Sprintf("user%d@example.com", id),
		Address: types.Address{
			Line1:    fmt.Sprintf("%d High Street", id),
			Postcode: "AB1 2CD",
			City:     "Leeds",
			Country:  "UK",
		},
		CreatedAt: createdAt,
	}
}

type memSource struct {
	records []types.CustomerRecord
	err     error
	onScan  func()
}

func (s *memSource) ScanCreatedBetween(ctx context.Context, from, to time.Time, fn func(types.CustomerRecord) error) error {
	if s.onScan != nil {
		s.onScan()
	}
	if s.err != nil {
		return s.err
	}
	recs := append([]types.CustomerRecord(nil), s.records...)
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	for _, r := range recs {
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

type memTarget struct {
	mu              sync.Mutex
	docs            []types.AnonymizedCustomer
	insertManyCalls [][]types.AnonymizedCustomer
	// failInsertMany fails that many InsertMany calls before succeeding; -1 fails forever
	failInsertMany int
	// failInsertOneAt fails the nth InsertOne call (1-based); 0 disables
	failInsertOneAt int
	insertOneCalls  int
}

var errWrite = errors.New("write refused")

func (t *memTarget) InsertOne(ctx context.Context, doc types.AnonymizedCustomer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertOneCalls++
	if t.failInsertOneAt > 0 && t.insertOneCalls == t.failInsertOneAt {
		return errWrite
	}
	t.docs = append(t.docs, doc)
	return nil
}

func (t *memTarget) InsertMany(ctx context.Context, docs []types.AnonymizedCustomer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failInsertMany != 0 {
		if t.failInsertMany > 0 {
			t.failInsertMany--
		}
		return errWrite
	}
	t.insertManyCalls = append(t.insertManyCalls, docs)
	t.docs = append(t.docs, docs...)
	return nil
}

func (t *memTarget) DeleteAll(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := int64(len(t.docs))
	t.docs = nil
	return n, nil
}

func (t *memTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

func (t *memTarget) batches() [][]types.AnonymizedCustomer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]types.AnonymizedCustomer(nil), t.insertManyCalls...)
}

type memCheckpoint struct {
	mu       sync.Mutex
	value    *time.Time
	writeErr error
	writes   int
}

func (c *memCheckpoint) Read(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return EpochStart, nil
	}
	return *c.value, nil
}

func (c *memCheckpoint) Write(ctx context.Context, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.value = &ts
	c.writes++
	return nil
}

func (c *memCheckpoint) CompareAndWrite(ctx context.Context, expected, next time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := EpochStart
	if c.value != nil {
		current = *c.value
	}
	if !current.Equal(expected) {
		return false, nil
	}
	c.value = &next
	c.writes++
	return true, nil
}

func (c *memCheckpoint) get() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return time.Time{}, false
	}
	return *c.value, true
}

type fakeFeed struct {
	mu      sync.Mutex
	opened  bool
	openErr error
	events  []types.ChangeEvent
	sent    chan struct{}
}

func newFakeFeed(events ...types.ChangeEvent) *fakeFeed {
	return &fakeFeed{events: events, sent: make(chan struct{})}
}

func (f *fakeFeed) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeFeed) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeFeed) Watch(ctx context.Context, out chan<- types.ChangeEvent) error {
	for _, ev := range f.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	close(f.sent)
	<-ctx.Done()
	return nil
}

func (f *fakeFeed) Close() error { return nil }

func insertEvent(rec types.CustomerRecord) types.ChangeEvent {
	return types.ChangeEvent{Operation: types.Insert, Record: rec}
}
