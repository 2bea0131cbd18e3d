package alidns

import (
	"context"
	"fmt"
	"sync"
)

type fakeClient struct {
	mu      sync.Mutex
	nextID  int
	records map[string]Record
	deleted []string

	addErr    error
	findErr   error
	deleteErr error
	findCalls int

	// honorContext makes every call fail once ctx is done, like AliClient.
	honorContext bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{records: make(map[string]Record)}
}

func (f *fakeClient) AddTXTRecord(ctx context.Context, zone, rr, value string, ttl int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorContext && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if f.addErr != nil {
		return "", f.addErr
	}
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records[id] = Record{ID: id, Zone: zone, RR: rr, Type: "TXT", Value: value, TTL: ttl}
	return id, nil
}

func (f *fakeClient) FindTXTRecords(ctx context.Context, zone, rr string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.honorContext && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []Record
	for _, r := range f.records {
		if r.Zone == zone && r.RR == rr {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeClient) DeleteRecord(ctx context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorContext && ctx.Err() != nil {
		return ctx.Err()
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.records[recordID]; !ok {
		return fmt.Errorf("record %s not found", recordID)
	}
	delete(f.records, recordID)
	f.deleted = append(f.deleted, recordID)
	return nil
}

// seed adds a record without going through the handler.
func (f *fakeClient) seed(zone, rr, value string) string {
	id, _ := f.AddTXTRecord(context.Background(), zone, rr, value, DefaultTTL)
	return id
}
