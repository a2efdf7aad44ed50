// Package backup implements the Backup Engine collaborator described in
// spec §4.3 as an opaque fallible async routine. Supplemented here as a
// concrete component (SPEC_FULL §4 item 1) so the Task Scheduler's Backup
// action has something real to call.
//
// Grounded on original_source/src/backup_manager/mod.rs and compressor.rs:
// the Zip/TarGz(level)/Tar/Copy compressor set, the glob-rooted file walk,
// and the "output path must not already exist" guard.
package backup

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// FileType selects the archive format a Spec produces.
type FileType string

const (
	Zip        FileType = "zip"
	TarGz      FileType = "tar-gz"
	TarGzFast  FileType = "tar-gz-fast"
	TarGzSmall FileType = "tar-gz-small"
	Tar        FileType = "tar"
	Copy       FileType = "copy"
)

func (t FileType) extension() string {
	switch t {
	case Zip:
		return "zip"
	case TarGz, TarGzFast, TarGzSmall:
		return "tar.gz"
	case Tar:
		return "tar"
	case Copy:
		return "d"
	default:
		return "bin"
	}
}

// Spec describes one named backup configuration (spec §6 "backups" block).
type Spec struct {
	Output     string
	Location   string
	TimeFormat string
	Name       string
	FileType   FileType
	Files      []string
}

// Run produces a backup archive for spec and returns the path written.
// It refuses to overwrite an existing output path, matching the teacher's
// "Output path already exists" guard.
func Run(spec Spec) (string, error) {
	name := renderName(spec.Name, spec.TimeFormat, spec.FileType)
	outputPath := filepath.Join(spec.Output, name)
	if _, err := os.Stat(outputPath); err == nil {
		return "", fmt.Errorf("backup: output path already exists: %s", outputPath)
	}

	files, err := matchFiles(spec.Location, spec.Files)
	if err != nil {
		return "", fmt.Errorf("backup: glob walk: %w", err)
	}

	switch spec.FileType {
	case Zip:
		err = writeZip(spec.Location, outputPath, files)
	case TarGz:
		err = writeTarGz(spec.Location, outputPath, files, 6)
	case TarGzFast:
		err = writeTarGz(spec.Location, outputPath, files, 1)
	case TarGzSmall:
		err = writeTarGz(spec.Location, outputPath, files, 9)
	case Tar:
		err = writeTar(spec.Location, outputPath, files)
	case Copy:
		err = writeCopy(spec.Location, outputPath, files)
	default:
		err = fmt.Errorf("backup: unknown file type %q", spec.FileType)
	}
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

// renderName fills the two placeholders the teacher's config supports:
// {date} (formatted per timeFormat) and {extension} (derived from
// fileType). strings.NewReplacer is sufficient for a fixed two-placeholder
// template; see DESIGN.md for why no templating library was used here.
func renderName(tmpl, timeFormat string, fileType FileType) string {
	date := time.Now().Format(goTimeLayout(timeFormat))
	replacer := strings.NewReplacer("{date}", date, "{extension}", fileType.extension())
	return replacer.Replace(tmpl)
}

// goTimeLayout translates the handful of strftime verbs the teacher's
// default time format ("%Y%m%d-%H") uses into Go's reference-time layout.
// Only %Y, %m, %d, %H, %M and %S are translated.
func goTimeLayout(format string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
	)
	return replacer.Replace(format)
}

// matchFiles walks location and returns every regular file whose path,
// relative to location, matches at least one of the configured glob
// patterns. filepath.WalkDir + filepath.Match stand in for the teacher's
// glob-walker dependency; see DESIGN.md.
func matchFiles(location string, globs []string) ([]string, error) {
	var matched []string
	err := filepath.WalkDir(location, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(location, path)
		if err != nil {
			return err
		}
		for _, pattern := range globs {
			if ok, _ := filepath.Match(pattern, rel); ok {
				matched = append(matched, rel)
				break
			}
		}
		return nil
	})
	return matched, err
}

func writeZip(base, outputPath string, files []string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("backup: create output: %w", err)
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)
	for _, rel := range files {
		if err := addZipEntry(zw, base, rel); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addZipEntry(zw *zip.Writer, base, rel string) error {
	f, err := os.Open(filepath.Join(base, rel))
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()

	w, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("backup: zip entry %s: %w", rel, err)
	}
	_, err = io.Copy(w, f)
	return err
}

func writeTarGz(base, outputPath string, files []string, level int) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("backup: create output: %w", err)
	}
	defer func() { _ = out.Close() }()

	gw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return fmt.Errorf("backup: gzip writer: %w", err)
	}
	if err := writeTarEntries(gw, base, files); err != nil {
		return err
	}
	return gw.Close()
}

func writeTar(base, outputPath string, files []string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("backup: create output: %w", err)
	}
	defer func() { _ = out.Close() }()
	return writeTarEntries(out, base, files)
}

func writeTarEntries(w io.Writer, base string, files []string) error {
	tw := tar.NewWriter(w)
	for _, rel := range files {
		if err := addTarEntry(tw, base, rel); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addTarEntry(tw *tar.Writer, base, rel string) error {
	path := filepath.Join(base, rel)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", rel, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(tw, f)
	return err
}

func writeCopy(base, outputPath string, files []string) error {
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return fmt.Errorf("backup: create output directory: %w", err)
	}
	for _, rel := range files {
		dst := filepath.Join(outputPath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("backup: create directory for %s: %w", rel, err)
		}
		if err := copyFile(filepath.Join(base, rel), dst); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
