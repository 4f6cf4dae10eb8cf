// Package vault exports interpreting sessions to a local directory.
// Each export is one markdown file with YAML frontmatter, readable in
// Obsidian, Logseq and other PKM tools.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryan-winkler/lectern/internal/transcript"
)

// ErrEmpty is returned when there is nothing to export.
var ErrEmpty = errors.New("transcript is empty")

// Frontmatter is the YAML header of an exported transcript.
type Frontmatter struct {
	Title   string    `yaml:"title"`
	Topic   string    `yaml:"topic,omitempty"`
	Session string    `yaml:"session"`
	Date    time.Time `yaml:"date"`
	Entries int       `yaml:"entries"`
	Tags    []string  `yaml:"tags"`
}

// Vault writes transcript exports into dir.
type Vault struct {
	dir    string
	logger *slog.Logger
}

// New creates a Vault. Returns nil if dir is empty (export disabled).
func New(dir string, logger *slog.Logger) *Vault {
	if dir == "" {
		return nil
	}
	return &Vault{dir: filepath.Clean(expandHome(dir)), logger: logger}
}

// Dir returns the export directory.
func (v *Vault) Dir() string { return v.dir }

// Save writes entries as "Lecture {topic} {date} {time}.md" and returns the path.
func (v *Vault) Save(sessionID, topic string, entries []transcript.Entry) (string, error) {
	if len(entries) == 0 {
		return "", ErrEmpty
	}
	if err := os.MkdirAll(v.dir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	now := time.Now()
	title := "Lecture"
	if topic != "" {
		title += " " + sanitize(topic)
	}
	filename := filepath.Join(v.dir, fmt.Sprintf("%s %s.md", title, now.Format("2006-01-02 15-04-05")))

	data, err := Render(Frontmatter{
		Title:   title,
		Topic:   topic,
		Session: sessionID,
		Date:    now.Truncate(time.Second),
		Entries: len(entries),
		Tags:    []string{"lecture", "interpretation"},
	}, entries)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	v.logger.Info("transcript exported", "file", filename, "entries", len(entries))
	return filename, nil
}

// Render produces the markdown document for an export.
func Render(fm Frontmatter, entries []transcript.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("---\n")
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	enc.Close()
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", fm.Title)
	for _, e := range entries {
		fmt.Fprintf(&b, "## %d · %s\n\n", e.Index+1, e.At.Format("15:04:05"))
		b.WriteString(strings.TrimSpace(e.English))
		b.WriteString("\n\n> ")
		b.WriteString(strings.TrimSpace(e.Korean))
		b.WriteString("\n\n")
	}
	return b.Bytes(), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, s)
}

func expandHome(dir string) string {
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, dir[2:])
		}
	}
	return dir
}
