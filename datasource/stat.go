package datasource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SourceStat summarizes a data source on disk without opening it.
type SourceStat struct {
	Advertisement Advertisement
	AdPath        string
	Blocks        int
	QueuedBytes   uint64
	// FirstUSO and LastUSO are zero when there are no blocks.
	FirstUSO uint64
	LastUSO  uint64
	// Partial counts .tmp files left by interrupted writes.
	Partial int
}

// Stat reads the advertisement at adPath and the headers of its blocks.
// Nothing on disk is modified.
func Stat(adPath string) (SourceStat, error) {
	ad, err := ReadAdvertisement(adPath)
	if err != nil {
		return SourceStat{}, err
	}
	st := SourceStat{Advertisement: ad, AdPath: adPath}
	dir := filepath.Dir(adPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return SourceStat{}, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, ad.Nonce+".") {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			st.Partial++
			continue
		}
		uso, ok := parseBlockFileName(ad.Nonce, name)
		if !ok {
			continue
		}
		h, err := readBlockHeader(filepath.Join(dir, name))
		if err != nil {
			return SourceStat{}, err
		}
		if st.Blocks == 0 || uso < st.FirstUSO {
			st.FirstUSO = uso
		}
		if uso > st.LastUSO {
			st.LastUSO = uso
		}
		st.Blocks++
		st.QueuedBytes += uint64(h.RawLen)
	}
	return st, nil
}

// StatDirectory stats every advertisement in a generation directory.
func StatDirectory(dir string) ([]SourceStat, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AdSuffix))
	if err != nil {
		return nil, err
	}
	stats := make([]SourceStat, 0, len(matches))
	for _, m := range matches {
		st, err := Stat(m)
		if err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, nil
}
