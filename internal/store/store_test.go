package store

import (
	"bytes"
	"testing"
	"time"

	"dev.c0redev.kalive/internal/proto"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := openTest(t)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestExitsKeepOrderAndExpire(t *testing.T) {
	db := openTest(t)
	now := time.Unix(1000, 0)
	db.now = func() time.Time { return now }

	in := []proto.ExitDescriptor{{Hostname: "zz", Key: []byte{1}}, {Hostname: "aa", Key: []byte{2}}}
	if err := db.PutExits(in); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Exits(time.Minute)
	if err != nil || !ok {
		t.Fatalf("Exits: %v %v", ok, err)
	}
	if len(got) != 2 || got[0].Hostname != "zz" || !bytes.Equal(got[1].Key, []byte{2}) {
		t.Fatalf("exits: %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if got, ok, _ := db.Exits(time.Minute); ok || len(got) != 0 {
		t.Fatalf("stale exits returned: %+v", got)
	}
}

func TestPutExitsReplaces(t *testing.T) {
	db := openTest(t)
	_ = db.PutExits([]proto.ExitDescriptor{{Hostname: "a", Key: []byte{1}}, {Hostname: "b", Key: []byte{1}}})
	_ = db.PutExits([]proto.ExitDescriptor{{Hostname: "c", Key: []byte{1}}})
	got, _, err := db.Exits(time.Hour)
	if err != nil || len(got) != 1 || got[0].Hostname != "c" {
		t.Fatalf("exits after replace: %+v %v", got, err)
	}
}

func TestDuplicatesKeepFetchedOrder(t *testing.T) {
	db := openTest(t)
	exits := []proto.ExitDescriptor{
		{Hostname: "de-fra", Key: []byte{1}},
		{Hostname: "us-hio", Key: []byte{2}},
		{Hostname: "de-fra", Key: []byte{3}},
	}
	if err := db.PutExits(exits); err != nil {
		t.Fatal(err)
	}
	got, _, err := db.Exits(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(exits) {
		t.Fatalf("exits collapsed: %+v", got)
	}
	for i := range exits {
		if got[i].Hostname != exits[i].Hostname || !bytes.Equal(got[i].Key, exits[i].Key) {
			t.Fatalf("exit %d = %+v, want %+v", i, got[i], exits[i])
		}
	}

	bridges := []proto.BridgeDescriptor{
		{Endpoint: "1.1.1.1:1", Key: []byte{1}},
		{Endpoint: "2.2.2.2:2", Key: []byte{2}},
		{Endpoint: "1.1.1.1:1", Key: []byte{3}},
	}
	if err := db.PutBridges("de-fra", bridges); err != nil {
		t.Fatal(err)
	}
	gotB, _, err := db.Bridges("de-fra", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotB) != 3 || !bytes.Equal(gotB[0].Key, []byte{1}) || !bytes.Equal(gotB[2].Key, []byte{3}) {
		t.Fatalf("bridges: %+v", gotB)
	}
}

func TestBridgesPerExit(t *testing.T) {
	db := openTest(t)
	if err := db.PutBridges("de-fra", []proto.BridgeDescriptor{{Endpoint: "1.1.1.1:1", Key: []byte{9}}}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Bridges("us-hio", time.Hour); ok {
		t.Fatal("bridges leaked across exits")
	}
	got, ok, err := db.Bridges("de-fra", time.Hour)
	if err != nil || !ok || len(got) != 1 || got[0].Endpoint != "1.1.1.1:1" {
		t.Fatalf("bridges: %+v %v %v", got, ok, err)
	}
}

func TestToken(t *testing.T) {
	db := openTest(t)
	if tok, err := db.Token(time.Hour); err != nil || tok != nil {
		t.Fatalf("empty store: %+v %v", tok, err)
	}
	in := &proto.AuthToken{UnblindedDigest: []byte("d"), UnblindedSignature: []byte("s"), Level: "plus"}
	if err := db.PutToken(in); err != nil {
		t.Fatal(err)
	}
	tok, err := db.Token(time.Hour)
	if err != nil || tok == nil || tok.Level != "plus" || string(tok.UnblindedSignature) != "s" {
		t.Fatalf("token: %+v %v", tok, err)
	}
}

func TestZeroMaxAgeAcceptsStale(t *testing.T) {
	db := openTest(t)
	now := time.Unix(1000, 0)
	db.now = func() time.Time { return now }
	_ = db.PutExits([]proto.ExitDescriptor{{Hostname: "a", Key: []byte{1}}})
	now = now.Add(24 * time.Hour)
	if _, ok, _ := db.Exits(time.Hour); ok {
		t.Fatal("expected stale")
	}
	if got, ok, _ := db.Exits(0); !ok || got[0].Hostname != "a" {
		t.Fatalf("any age: %+v", got)
	}
}
