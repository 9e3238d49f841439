package show

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one playlist record: a display name and the audio file it names.
type Entry struct {
	Title string
	Path  string
}

// LoadPlaylist reads a TAB-separated playlist file. Each line is
// "title<TAB>path"; a line with no tab is taken as a bare path and titled
// after its file name. Blank lines and lines starting with '#' are skipped.
func LoadPlaylist(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		title, file, found := strings.Cut(text, "\t")
		if !found {
			file = text
			base := filepath.Base(file)
			title = strings.TrimSuffix(base, filepath.Ext(base))
		}
		title = strings.TrimSpace(title)
		file = strings.TrimSpace(file)
		if file == "" {
			return nil, fmt.Errorf("playlist line %d: missing file path", line)
		}
		entries = append(entries, Entry{Title: title, Path: file})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return entries, nil
}

// SingleEntry wraps one audio file as a one-entry playlist.
func SingleEntry(path string) []Entry {
	base := filepath.Base(path)
	return []Entry{{Title: strings.TrimSuffix(base, filepath.Ext(base)), Path: path}}
}
