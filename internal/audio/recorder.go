package audio

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes normalized PCM to a WAV file as it arrives.
type Recorder struct {
	f    *os.File
	enc  *wav.Encoder
	rate int
	path string
}

// NewRecorder creates dir/name.wav for mono 16-bit audio at rate.
func NewRecorder(dir, name string, rate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		f:    f,
		enc:  wav.NewEncoder(f, rate, 16, 1, 1),
		rate: rate,
		path: path,
	}, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// Write appends one chunk of little-endian 16-bit PCM.
func (r *Recorder) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return r.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           PCM16Samples(pcm),
		SourceBitDepth: 16,
	})
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	encErr := r.enc.Close()
	fileErr := r.f.Close()
	if encErr != nil {
		return fmt.Errorf("finalize wav: %w", encErr)
	}
	return fileErr
}
