package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/tracker"
)

type fakeRedis struct {
	geoFails  int
	hsetFails int
	geoCalls  int
	hsetCalls int
	locations map[string]*redis.GeoLocation
	meta      map[string]map[string]interface{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		locations: make(map[string]*redis.GeoLocation),
		meta:      make(map[string]map[string]interface{}),
	}
}

func (f *fakeRedis) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoFails > 0 {
		f.geoFails--
		return errors.New("connection refused")
	}
	f.locations[loc.Name] = loc
	return nil
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hsetCalls++
	if f.hsetFails > 0 {
		f.hsetFails--
		return errors.New("connection refused")
	}
	f.meta[key] = values
	return nil
}

func sampleMessage() tracker.PositionMessage {
	return tracker.PositionMessage{
		RideID:   "r1",
		DriverID: "d1",
		Sample:   models.PositionSample{Lat: 34.05, Lon: -118.24, At: time.Now()},
	}
}

func TestUpdateRedisHappyPath(t *testing.T) {
	rc := newFakeRedis()
	if err := updateRedisWithRetry(context.Background(), rc, sampleMessage(), 3, time.Millisecond); err != nil {
		t.Fatalf("update: %v", err)
	}
	loc, ok := rc.locations["d1"]
	if !ok || loc.Latitude != 34.05 || loc.Longitude != -118.24 {
		t.Fatalf("geo index = %+v", rc.locations)
	}
	meta := rc.meta["driver:meta:d1"]
	if meta == nil || meta["ride"] != "r1" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestUpdateRedisRetriesTransientFailure(t *testing.T) {
	rc := newFakeRedis()
	rc.geoFails = 2
	if err := updateRedisWithRetry(context.Background(), rc, sampleMessage(), 3, time.Millisecond); err != nil {
		t.Fatalf("update should survive two transient failures: %v", err)
	}
	if rc.geoCalls != 3 {
		t.Fatalf("geo calls = %d, want 3", rc.geoCalls)
	}
	if _, ok := rc.locations["d1"]; !ok {
		t.Fatal("location not written after retries")
	}
}

func TestUpdateRedisExhaustsAttempts(t *testing.T) {
	rc := newFakeRedis()
	rc.geoFails = 3
	if err := updateRedisWithRetry(context.Background(), rc, sampleMessage(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if len(rc.locations) != 0 {
		t.Fatalf("locations = %+v, want none", rc.locations)
	}
}

func TestUpdateRedisRetriesHSet(t *testing.T) {
	rc := newFakeRedis()
	rc.hsetFails = 1
	if err := updateRedisWithRetry(context.Background(), rc, sampleMessage(), 3, time.Millisecond); err != nil {
		t.Fatalf("update: %v", err)
	}
	if rc.meta["driver:meta:d1"] == nil {
		t.Fatal("meta not written after retry")
	}
}
