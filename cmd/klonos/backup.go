package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"klonos/internal/config"
)

// Archive layout: one top-level component per configured location, so a
// backup taken with one config restores cleanly under another.
const (
	compStore  = "store"
	compNATS   = "nats"
	compOutput = "output"
)

type backupSource struct {
	component string
	path      string
}

func backupSources(cfg *config.Config) []backupSource {
	return []backupSource{
		{compStore, cfg.Store.Path},
		{compNATS, cfg.NATS.DataDir},
		{compOutput, cfg.Output.Root},
	}
}

// componentDest maps an archive component to the directory it unpacks
// into under the current config.
func componentDest(cfg *config.Config, component string) (string, bool) {
	switch component {
	case compStore:
		return filepath.Dir(cfg.Store.Path), true
	case compNATS:
		return cfg.NATS.DataDir, true
	case compOutput:
		return cfg.Output.Root, true
	}
	return "", false
}

func runBackup(args []string) error {
	outputPath := ""
	if len(args) > 0 {
		outputPath = args[0]
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("klonos-backup-%s.tar.zst", time.Now().Format("20060102-150405"))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	for _, src := range backupSources(cfg) {
		if _, err := os.Stat(src.path); errors.Is(err, fs.ErrNotExist) {
			slog.Warn("backup source missing", "path", src.path)
			continue
		}
		paths := []string{src.path}
		if src.component == compStore {
			// SQLite sidecars travel with the database.
			paths = append(paths, src.path+"-wal", src.path+"-shm")
		}
		for _, p := range paths {
			n, err := archivePath(tw, src.component, p)
			if err != nil {
				return fmt.Errorf("archive %s: %w", p, err)
			}
			files += n
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// archivePath adds one file or directory tree under the component
// prefix. Missing paths are skipped so absent sidecars stay quiet.
func archivePath(tw *tar.Writer, component, src string) (int, error) {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		if err := addFile(tw, path.Join(component, filepath.Base(src)), src, info); err != nil {
			return 0, err
		}
		return 1, nil
	}

	files := 0
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := path.Join(component, filepath.ToSlash(rel))

		if d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if err := addFile(tw, name, p, fi); err != nil {
			return err
		}
		files++
		return nil
	})
	return files, err
}

func addFile(tw *tar.Writer, name, p string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}

	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	inputPath := ""
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-overwrite":
			overwrite = true
		default:
			if inputPath == "" {
				inputPath = args[i]
			}
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: klonos restore <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing archive path")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Pre-scan: collect components from the archive
	components, err := scanArchiveComponents(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(components) == 0 {
		fmt.Println("Archive is empty.")
		return nil
	}

	if !overwrite {
		for _, comp := range components {
			if busy, p := componentBusy(cfg, comp); busy {
				return fmt.Errorf("%s already exists, add -overwrite to replace files", p)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		component, relPath := splitArchivePath(hdr.Name)
		if component == "" || strings.Contains(relPath, "..") {
			continue
		}
		destRoot, ok := componentDest(cfg, component)
		if !ok {
			continue
		}
		target := filepath.Join(destRoot, filepath.FromSlash(relPath))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", target, err)
			}
			restored++
		}
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

// scanArchiveComponents reads tar headers to collect unique top-level
// components without extracting file data.
func scanArchiveComponents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		component, _ := splitArchivePath(hdr.Name)
		if component != "" && !seen[component] {
			seen[component] = true
			names = append(names, component)
		}
	}

	return names, nil
}

// splitArchivePath splits "output/run-1/summary.md" into
// ("output", "run-1/summary.md"). Returns empty component for paths
// outside the known layout.
func splitArchivePath(name string) (component, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if knownComponent(name) {
			return name, ""
		}
		return "", ""
	}

	component = name[:idx]
	relPath = name[idx+1:]
	if !knownComponent(component) {
		return "", ""
	}
	return component, relPath
}

func knownComponent(name string) bool {
	switch name {
	case compStore, compNATS, compOutput:
		return true
	}
	return false
}

// componentBusy reports whether restoring component would clobber
// existing data, returning the offending path.
func componentBusy(cfg *config.Config, component string) (bool, string) {
	switch component {
	case compStore:
		if _, err := os.Stat(cfg.Store.Path); err == nil {
			return true, cfg.Store.Path
		}
	case compNATS, compOutput:
		dir, _ := componentDest(cfg, component)
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			return true, dir
		}
	}
	return false, ""
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
