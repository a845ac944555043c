package assetcache

import (
	"errors"
	"io/fs"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// Stats walks the cache root and counts files, bytes and files per kind. The
// kind of a file is the first directory under the root. Files from in-flight
// writes are skipped. Brotli variants add to TotalFiles and TotalBytes but not
// to ByKind.
func (j *Janitor) Stats() (Stats, error) {
	stats := Stats{ByKind: make(map[Kind]int)}

	entries, err := j.storage.ListDir(j.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, err
	}

	for _, entry := range entries {
		p := filepath.Join(j.root, entry.Name())

		if !entry.IsDir() {
			j.countFile(&stats, "", entry)
			continue
		}

		if err := j.walkFiles(p, func(e fs.DirEntry) { j.countFile(&stats, entry.Name(), e) }); err != nil {
			return stats, err
		}
	}

	metricsSetCacheEntries(stats.TotalFiles)
	metricsSetCacheSize(stats.TotalBytes)

	return stats, nil
}

// Entries lists every artifact under the root, without brotli variants.
func (j *Janitor) Entries() ([]CacheEntry, error) {
	entries, err := j.storage.ListDir(j.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []CacheEntry

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		kindDir := entry.Name()
		dir := filepath.Join(j.root, kindDir)

		err := j.walkFilesIn(dir, func(p string, e fs.DirEntry) {
			if isTempFile(e.Name()) || strings.HasSuffix(e.Name(), precompressedSuffix) {
				return
			}
			if info, err := e.Info(); err == nil {
				out = append(out, entryFromInfo(p, kindDir, info))
			}
		})
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

func (j *Janitor) countFile(stats *Stats, kindDir string, e fs.DirEntry) {
	if isTempFile(e.Name()) {
		return
	}

	info, err := e.Info()
	if err != nil {
		// removed between listing and stat
		return
	}

	stats.TotalFiles++
	stats.TotalBytes += info.Size()

	// brotli variants count toward size, not as separate artifacts
	if strings.HasSuffix(e.Name(), precompressedSuffix) {
		return
	}

	if kind := kindForFile(kindDir, e.Name()); kind != "" {
		stats.ByKind[kind]++
	}
}

func (j *Janitor) walkFiles(dir string, fn func(fs.DirEntry)) error {
	return j.walkFilesIn(dir, func(_ string, e fs.DirEntry) { fn(e) })
}

func (j *Janitor) walkFilesIn(dir string, fn func(string, fs.DirEntry)) error {
	entries, err := j.storage.ListDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := j.walkFilesIn(p, fn); err != nil {
				return err
			}
			continue
		}
		fn(p, e)
	}

	return nil
}

// FormatBytes renders a byte count with the largest unit that keeps the value
// at or above 1, rounded to two decimals: "0 B", "1 KB", "1.5 KB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}

	value := float64(n)
	pow := 0
	for value >= 1024 && pow < len(byteUnits)-1 {
		value /= 1024
		pow++
	}

	value = math.Round(value*100) / 100

	return strconv.FormatFloat(value, 'f', -1, 64) + " " + byteUnits[pow]
}
