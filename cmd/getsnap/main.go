package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
)

// getsnap resolves a published knowledge graph snapshot: it reads the
// index.json manifest from a static snapshot prefix, picks a snapshot,
// and either prints its coordinates or downloads it with checksum
// verification. The saved file feeds `klonos graph import`.

type manifest struct {
	Latest    string `json:"latest"`
	Snapshots map[string]struct {
		Checksum string `json:"checksum"`
		Size     int64  `json:"size"`
	} `json:"snapshots"`
}

type output struct {
	Snapshot    string `json:"snapshot"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
}

func main() {
	baseURL := flag.String("url", os.Getenv("KLONOS_SNAPSHOT_URL"), "snapshot prefix URL (defaults to KLONOS_SNAPSHOT_URL)")
	name := flag.String("name", "", "snapshot name; the manifest's latest if omitted")
	list := flag.Bool("list", false, "list published snapshots and exit")
	savePath := flag.String("save", "", "download the snapshot to this path (verifies checksum)")
	flag.Parse()

	if *baseURL == "" {
		fmt.Fprintln(os.Stderr, "error: no snapshot URL; pass -url or set KLONOS_SNAPSHOT_URL")
		os.Exit(1)
	}

	m, err := fetchManifest(*baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: fetching manifest: %v\n", err)
		os.Exit(1)
	}

	if *list {
		names := make([]string, 0, len(m.Snapshots))
		for n := range m.Snapshots {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	snapshot, checksum, size, err := pickSnapshot(m, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	downloadURL := fmt.Sprintf("%s/%s/graph.json", strings.TrimRight(*baseURL, "/"), snapshot)

	result := output{
		Snapshot:    snapshot,
		DownloadURL: downloadURL,
		SHA256:      checksum,
		Size:        size,
	}

	if *savePath != "" {
		if err := downloadAndVerify(downloadURL, checksum, *savePath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "saved snapshot %s to %s\n", snapshot, *savePath)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "error: encoding output: %v\n", err)
		os.Exit(1)
	}
}

// pickSnapshot resolves name (or the manifest's latest) to its entry.
func pickSnapshot(m *manifest, name string) (string, string, int64, error) {
	if name == "" {
		name = m.Latest
	}
	if name == "" {
		return "", "", 0, fmt.Errorf("manifest has no latest snapshot; pass -name")
	}
	entry, ok := m.Snapshots[name]
	if !ok {
		return "", "", 0, fmt.Errorf("snapshot %q not found in manifest", name)
	}
	return name, entry.Checksum, entry.Size, nil
}

func fetchManifest(baseURL string) (*manifest, error) {
	url := strings.TrimRight(baseURL, "/") + "/index.json"

	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching manifest", resp.StatusCode)
	}

	var m manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

func downloadAndVerify(url, expectedChecksum, destPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	w := io.MultiWriter(f, hasher)

	if _, err := io.Copy(w, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("download: %w", err)
	}
	f.Close()

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != expectedChecksum {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, expectedChecksum)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		// Cross-device rename; fall back to copy
		src, err2 := os.Open(tmpPath)
		if err2 != nil {
			return fmt.Errorf("open temp: %w", err2)
		}
		defer src.Close()

		dst, err2 := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err2 != nil {
			return fmt.Errorf("create dest: %w", err2)
		}
		if _, err2 := io.Copy(dst, src); err2 != nil {
			dst.Close()
			return fmt.Errorf("copy: %w", err2)
		}
		dst.Close()
	}

	return nil
}
