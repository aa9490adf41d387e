package cacheentry

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestStorageRoundTrip(t *testing.T) {
	entries := []Entry{
		New(200, []string{"Content-Type: text/html"}, []byte("<p>hi</p>"), time.Unix(1700000000, 0)),
		{
			Output:      []byte{0x1f, 0x8b, 0x00},
			Headers:     []string{"A: 1", "A: 2"},
			Status:      404,
			Gzip:        true,
			Updated:     42,
			CustomTTL:   Int64(60),
			CustomGrace: Int64(0),
			Debug:       map[string]string{"url": "http://example.com/"},
		},
	}
	for _, e := range entries {
		b, err := e.ToStorage()
		if err != nil {
			t.Fatal(err)
		}
		back, err := FromStorage(b)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(e, back) {
			t.Fatalf("Round trip changed entry: %+v != %+v", e, back)
		}
		again, _ := back.ToStorage()
		if !bytes.Equal(b, again) {
			t.Fatalf("Payload changed: %s != %s", b, again)
		}
	}
}

func TestStorageOmitsAbsentFields(t *testing.T) {
	b, err := New(200, nil, nil, time.Now()).ToStorage()
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"custom_ttl", "custom_grace", "debug"} {
		if strings.Contains(string(b), field) {
			t.Fatalf("Payload %s contains %s", b, field)
		}
	}
}

func TestFromStorageRejectsGarbage(t *testing.T) {
	if _, err := FromStorage([]byte("garbage")); err == nil {
		t.Fatal("Expected error")
	}
	empty, err := msgpack.Marshal(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromStorage(empty); err == nil {
		t.Fatal("Expected error for missing status")
	}
}

func TestStorageKeepsBodyBinary(t *testing.T) {
	body := []byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe}
	b, err := New(200, nil, body, time.Now()).ToStorage()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, body) {
		t.Fatalf("Body is not stored verbatim in %x", b)
	}
}

func TestDeflateInflate(t *testing.T) {
	body := []byte(strings.Repeat("hello world ", 100))
	compressed, err := Deflate(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(body) {
		t.Fatalf("Compressed size %d", len(compressed))
	}
	back, err := Inflate(compressed)
	if err != nil || !bytes.Equal(back, body) {
		t.Fatalf("Inflate failed: %v", err)
	}
	if _, err := Inflate([]byte("garbage")); err != ErrDecompression {
		t.Fatalf("Error is %v", err)
	}
}
