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
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/store"
)

// Archive sections. Each top-level directory of a backup maps to one
// local directory on restore.
const (
	sectionStore = "store"
	sectionNATS  = "nats"
)

// archiveSource is a local directory written under prefix.
type archiveSource struct {
	Prefix string
	Dir    string
}

func parseArchiveFlags(args []string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		default:
			return "", false, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	if file == "" {
		return "", false, fmt.Errorf("missing -f flag")
	}
	return file, overwrite, nil
}

func runBackup(args []string) error {
	outputPath, _, err := parseArchiveFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: conductor backup -f <output.tar.zst>\n")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// A VACUUM INTO copy is consistent even while the gateway is running.
	snapDir, err := os.MkdirTemp("", "conductor-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(snapDir)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	err = db.Snapshot(filepath.Join(snapDir, filepath.Base(cfg.Store.Path)))
	db.Close()
	if err != nil {
		return err
	}

	sources := []archiveSource{{Prefix: sectionStore, Dir: snapDir}}
	if _, err := os.Stat(cfg.NATS.DataDir); err == nil {
		sources = append(sources, archiveSource{Prefix: sectionNATS, Dir: cfg.NATS.DataDir})
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	files, err := writeArchive(f, sources)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, _ := os.Stat(outputPath); info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeArchive streams every source into a zstd-compressed tar and returns
// the number of regular files written.
func writeArchive(w io.Writer, sources []archiveSource) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	for _, src := range sources {
		slog.Info("archiving", "section", src.Prefix, "dir", src.Dir)
		err := filepath.WalkDir(src.Dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src.Dir, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() && !info.IsDir() {
				return nil
			}

			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = path.Join(src.Prefix, filepath.ToSlash(rel))
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write tar header: %w", err)
			}
			if info.IsDir() {
				return nil
			}

			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			if _, err := io.Copy(tw, in); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
			files++
			return nil
		})
		if err != nil {
			return files, fmt.Errorf("archive %s: %w", src.Dir, err)
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("close zstd: %w", err)
	}
	return files, nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseArchiveFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: conductor restore -f <backup.tar.zst> [-overwrite]\n\nStop the gateway before restoring.\n")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	targets := map[string]string{
		sectionStore: filepath.Dir(cfg.Store.Path),
		sectionNATS:  cfg.NATS.DataDir,
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	restored, err := extractArchive(f, targets, overwrite)
	if err != nil {
		return err
	}

	// WAL files next to a replaced database belong to the old one.
	if restored[sectionStore] > 0 {
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(cfg.Store.Path + suffix); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove stale sqlite file", "path", cfg.Store.Path+suffix, "error", err)
			}
		}
	}

	total := 0
	for _, n := range restored {
		total += n
	}
	fmt.Printf("Restore complete: %d files\n", total)
	return nil
}

// extractArchive writes archive entries below the directory mapped to
// their section and returns how many files were written per section.
// Unknown sections are skipped. Without overwrite, an existing file aborts
// the restore before anything is written.
func extractArchive(r io.ReadSeeker, targets map[string]string, overwrite bool) (map[string]int, error) {
	if !overwrite {
		sections, err := scanArchive(r, targets, func(section, rel string) error {
			dst := filepath.Join(targets[section], filepath.FromSlash(rel))
			if _, err := os.Stat(dst); err == nil && !strings.HasSuffix(rel, "/") {
				return fmt.Errorf("%s already exists, add -overwrite to replace files", dst)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		slog.Info("archive scanned", "sections", sections)
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind archive: %w", err)
		}
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := make(map[string]int)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitSectionPath(hdr.Name)
		base, ok := targets[section]
		if !ok || rel == "" {
			continue
		}
		dst := filepath.Join(base, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return restored, fmt.Errorf("create %s: %w", dst, err)
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return restored, err
			}
			restored[section]++
		}
	}
	return restored, nil
}

func writeFile(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// scanArchive walks the archive headers without extracting data, calling
// check for every entry of a known section, and returns the sections seen.
func scanArchive(r io.Reader, targets map[string]string, check func(section, rel string) error) ([]string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	seen := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		section, rel := splitSectionPath(hdr.Name)
		if _, ok := targets[section]; !ok || rel == "" {
			continue
		}
		seen[section] = true
		if check != nil {
			if err := check(section, rel); err != nil {
				return nil, err
			}
		}
	}

	sections := make([]string, 0, len(seen))
	for s := range seen {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	return sections, nil
}

// splitSectionPath splits "store/conductor.db" into ("store",
// "conductor.db"). Entries that would escape their section, such as
// "store/../etc/passwd", return an empty section.
func splitSectionPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}
	dir := strings.HasSuffix(name, "/")

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return name, ""
	}
	section = name[:idx]
	rel = path.Clean(name[idx+1:])
	if rel == "." {
		return section, ""
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", ""
	}
	if dir {
		rel += "/"
	}
	return section, rel
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
