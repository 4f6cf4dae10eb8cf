package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Credentials are the secrets Lectern needs to reach its three backends.
// Values are copied, never mutated; a reload produces a new Credentials.
type Credentials struct {
	NASURL      string // SYNO_URL
	NASAccount  string // SYNO_ID
	NASPassword string // SYNO_PW
	STTKey      string // STT_API_KEY
	LLMKey      string // LLM_API_KEY
}

// secretKeys lists every secret with its accepted aliases, first name canonical.
var secretKeys = [][]string{
	{"SYNO_URL"},
	{"SYNO_ID"},
	{"SYNO_PW"},
	{"STT_API_KEY", "ASSEMBLYAI_API_KEY"},
	{"LLM_API_KEY", "OPENAI_API_KEY"},
}

// MissingError reports secrets that were found in no source.
type MissingError struct {
	Keys   []string
	Source string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing secrets %s (set them in the environment, .env or %s)",
		strings.Join(e.Keys, ", "), e.Source)
}

// LoadCredentials resolves secrets from the environment first and then from
// the TOML secrets file at path. The file may hold keys under a [credentials]
// table or at the top level. A missing file is not an error.
func LoadCredentials(path string) (Credentials, error) {
	v := viper.New()
	haveFile := false
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Credentials{}, fmt.Errorf("read secrets file %s: %w", path, err)
			}
		} else {
			haveFile = true
		}
	}

	lookup := func(names []string) string {
		for _, name := range names {
			if val := strings.TrimSpace(os.Getenv(name)); val != "" {
				return val
			}
		}
		if !haveFile {
			return ""
		}
		for _, name := range names {
			key := strings.ToLower(name)
			if val := strings.TrimSpace(v.GetString("credentials." + key)); val != "" {
				return val
			}
			if val := strings.TrimSpace(v.GetString(key)); val != "" {
				return val
			}
		}
		return ""
	}

	return Credentials{
		NASURL:      strings.TrimRight(lookup(secretKeys[0]), "/"),
		NASAccount:  lookup(secretKeys[1]),
		NASPassword: lookup(secretKeys[2]),
		STTKey:      lookup(secretKeys[3]),
		LLMKey:      lookup(secretKeys[4]),
	}, nil
}

// Validate returns a *MissingError naming every empty secret.
// source is only used for the message.
func (c Credentials) Validate(source string) error {
	values := []string{c.NASURL, c.NASAccount, c.NASPassword, c.STTKey, c.LLMKey}
	var missing []string
	for i, val := range values {
		if val == "" {
			missing = append(missing, secretKeys[i][0])
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing, Source: source}
	}
	if !strings.HasPrefix(c.NASURL, "http://") && !strings.HasPrefix(c.NASURL, "https://") {
		return fmt.Errorf("SYNO_URL %q must start with http:// or https://", c.NASURL)
	}
	return nil
}

// ValidateNAS checks only the NAS secrets. The folders command needs nothing else.
func (c Credentials) ValidateNAS(source string) error {
	var missing []string
	for i, val := range []string{c.NASURL, c.NASAccount, c.NASPassword} {
		if val == "" {
			missing = append(missing, secretKeys[i][0])
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing, Source: source}
	}
	return nil
}
