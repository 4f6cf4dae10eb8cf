package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Summary describes one exported transcript.
type Summary struct {
	File    string    `json:"file"`
	Title   string    `json:"title"`
	Topic   string    `json:"topic,omitempty"`
	Date    time.Time `json:"date"`
	Entries int       `json:"entries"`
	Preview string    `json:"preview"`
}

var errNoFrontmatter = errors.New("no frontmatter")

// Scan reads every export in the vault and returns them newest first,
// at most maxEntries of them. A missing directory yields no entries.
func (v *Vault) Scan(maxEntries int) ([]Summary, error) {
	matches, err := filepath.Glob(filepath.Join(v.dir, "*.md"))
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(matches))
	for _, path := range matches {
		s, err := parseExport(path)
		if err != nil {
			v.logger.Debug("skipping export", "file", path, "error", err)
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[:maxEntries]
	}
	return out, nil
}

func parseExport(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, err
	}
	head, body, err := splitFrontmatter(data)
	if err != nil {
		return Summary{}, err
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return Summary{}, err
	}
	if fm.Date.IsZero() {
		if info, err := os.Stat(path); err == nil {
			fm.Date = info.ModTime()
		}
	}

	preview := cleanMarkdown(string(body))
	if r := []rune(preview); len(r) > 200 {
		preview = string(r[:200])
	}
	return Summary{
		File:    path,
		Title:   fm.Title,
		Topic:   fm.Topic,
		Date:    fm.Date,
		Entries: fm.Entries,
		Preview: preview,
	}, nil
}

func splitFrontmatter(data []byte) (head, body []byte, err error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, nil, errNoFrontmatter
	}
	rest := data[4:]
	end := bytes.Index(rest, []byte("\n---\n"))
	if end < 0 {
		return nil, nil, errNoFrontmatter
	}
	return rest[:end+1], rest[end+5:], nil
}

// cleanMarkdown flattens an export body into preview text.
// Headings carrying only an index and time are dropped.
func cleanMarkdown(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "---" || strings.HasPrefix(trimmed, "## ") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			trimmed = strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
			if trimmed == "" {
				continue
			}
		}
		trimmed = strings.TrimPrefix(trimmed, "> ")
		if trimmed == ">" {
			continue
		}
		lines = append(lines, trimmed)
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}
