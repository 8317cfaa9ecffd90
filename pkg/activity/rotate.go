package activity

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// rotateStamp is the UTC timestamp embedded in rotated file names.
const rotateStamp = "20060102T150405.000Z"

// RotatedName returns the archive name for path at t: "activity.jsonl"
// becomes "activity-20260102T030405.000Z.jsonl".
func RotatedName(path string, t time.Time) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, stem+"-"+t.UTC().Format(rotateStamp)+ext)
}

// Rotate renames path to its timestamped archive name and gzips the result,
// returning the path of the .gz file. A missing path is not an error and
// yields "".
func Rotate(path string, now time.Time) (string, error) {
	rotated := RotatedName(path, now)
	if err := os.Rename(path, rotated); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("activity: rotate %s: %w", path, err)
	}
	gz, err := compressFile(rotated)
	if err != nil {
		// The plain rotated file is still a valid archive.
		return rotated, err
	}
	return gz, nil
}

// compressFile writes src.gz and removes src.
func compressFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("activity: open %s: %w", src, err)
	}
	defer in.Close()

	dst := src + ".gz"
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("activity: create %s: %w", dst, err)
	}

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("activity: compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("activity: compress %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("activity: close %s: %w", dst, err)
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("activity: remove %s: %w", src, err)
	}
	return dst, nil
}
