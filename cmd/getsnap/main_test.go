package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func testManifest() manifest {
	var m manifest
	m.Latest = "2026-02-10"
	m.Snapshots = map[string]struct {
		Checksum string `json:"checksum"`
		Size     int64  `json:"size"`
	}{
		"2026-02-10": {Checksum: "abc123", Size: 2048},
		"2026-01-15": {Checksum: "def456", Size: 1024},
	}
	return m
}

func TestFetchManifest(t *testing.T) {
	m := testManifest()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(m)
	}))
	defer ts.Close()

	got, err := fetchManifest(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Latest != "2026-02-10" {
		t.Errorf("got latest %q, want %q", got.Latest, "2026-02-10")
	}
	if len(got.Snapshots) != 2 {
		t.Errorf("got %d snapshots, want 2", len(got.Snapshots))
	}
}

func TestFetchManifestTrailingSlash(t *testing.T) {
	m := testManifest()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(m)
	}))
	defer ts.Close()

	if _, err := fetchManifest(ts.URL + "/"); err != nil {
		t.Fatalf("unexpected error with trailing slash: %v", err)
	}
}

func TestFetchManifestHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := fetchManifest(ts.URL)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestFetchManifestInvalidJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()

	_, err := fetchManifest(ts.URL)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestPickSnapshot(t *testing.T) {
	m := testManifest()

	name, checksum, size, err := pickSnapshot(&m, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "2026-02-10" || checksum != "abc123" || size != 2048 {
		t.Errorf("latest pick = %q %q %d", name, checksum, size)
	}

	name, checksum, _, err = pickSnapshot(&m, "2026-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "2026-01-15" || checksum != "def456" {
		t.Errorf("named pick = %q %q", name, checksum)
	}

	if _, _, _, err := pickSnapshot(&m, "2025-12-01"); err == nil {
		t.Error("expected error for unknown snapshot")
	}

	empty := manifest{}
	if _, _, _, err := pickSnapshot(&empty, ""); err == nil {
		t.Error("expected error when manifest has no latest")
	}
}

func TestOutputJSON(t *testing.T) {
	o := output{
		Snapshot:    "2026-02-10",
		DownloadURL: "https://example.com/2026-02-10/graph.json",
		SHA256:      "abc123",
		Size:        2048,
	}

	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got output
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != o {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, o)
	}

	// Verify JSON field names.
	var raw map[string]any
	json.Unmarshal(data, &raw)
	for _, key := range []string{"snapshot", "download_url", "sha256", "size"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected JSON key %q", key)
		}
	}
}

func TestDownloadAndVerify(t *testing.T) {
	content := []byte(`{"nodes":[],"edges":[]}`)
	h := sha256.Sum256(content)
	checksum := hex.EncodeToString(h[:])

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "graph.json")
	err := downloadAndVerify(ts.URL, checksum, dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch")
	}
}

func TestDownloadAndVerifyBadChecksum(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some content"))
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "graph.json")
	err := downloadAndVerify(ts.URL, "0000000000000000000000000000000000000000000000000000000000000000", dest)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Error("expected no file on checksum mismatch")
	}
}

func TestDownloadAndVerifyHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "graph.json")
	err := downloadAndVerify(ts.URL, "abc", dest)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}
