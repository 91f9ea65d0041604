package archive

import (
	"testing"
	"time"

	"github.com/siftlog/siftlog/internal/config"
)

func TestKeyForBatch(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 30, 0, 0, time.UTC)
	got := KeyForBatch("batch-abc", now)
	want := "logs/2026/08/06/batch-abc.json.gz"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestNewClientDisabled(t *testing.T) {
	cases := []*config.ArchiveConfig{
		nil,
		{},
		{Endpoint: "http://localhost:9000"},
		{Bucket: "logs"},
	}
	for i, cfg := range cases {
		c, err := NewClient(cfg)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if c != nil {
			t.Fatalf("case %d: expected nil client", i)
		}
	}
}

func TestNewClientEnabled(t *testing.T) {
	c, err := NewClient(&config.ArchiveConfig{
		Endpoint:  "http://localhost:9000",
		Bucket:    "logs",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c == nil {
		t.Fatal("expected client")
	}
}
