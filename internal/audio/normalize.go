// Package audio turns browser microphone frames into the mono 16-bit PCM
// stream the speech recognizer expects.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	goaudio "github.com/go-audio/audio"
)

// Encoding names the sample layout of incoming frames.
type Encoding string

const (
	Float32LE Encoding = "f32le" // Web Audio's native format
	Int16LE   Encoding = "s16le"
)

// Format describes the frames a browser will send. It arrives in the JSON
// start message before any binary frame.
type Format struct {
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Encoding   Encoding `json:"encoding"`
}

// Validate rejects formats the normalizer cannot handle.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	switch f.Encoding {
	case Float32LE, Int16LE:
	default:
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	return nil
}

func (f Format) bytesPerFrame() int {
	size := 4
	if f.Encoding == Int16LE {
		size = 2
	}
	return size * f.Channels
}

// Normalizer converts successive frames of one stream. It keeps resampler
// state between calls, so use one Normalizer per stream.
type Normalizer struct {
	in      Format
	outRate int

	pos      float64 // read position relative to the carried sample
	prev     float32
	havePrev bool
}

// NewNormalizer returns a Normalizer from in to mono 16-bit PCM at outRate.
func NewNormalizer(in Format, outRate int) (*Normalizer, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output rate %d", outRate)
	}
	return &Normalizer{in: in, outRate: outRate}, nil
}

// Normalize converts one frame. Frames must hold whole sample frames.
func (n *Normalizer) Normalize(frame []byte) ([]byte, error) {
	if len(frame)%n.in.bytesPerFrame() != 0 {
		return nil, fmt.Errorf("frame of %d bytes is not a multiple of %d", len(frame), n.in.bytesPerFrame())
	}
	buf := n.decode(frame)
	mono := downmix(buf)
	if n.in.SampleRate != n.outRate {
		mono = n.resample(mono)
	}
	return encodePCM16(mono), nil
}

func (n *Normalizer) decode(frame []byte) *goaudio.Float32Buffer {
	buf := &goaudio.Float32Buffer{
		Format: &goaudio.Format{NumChannels: n.in.Channels, SampleRate: n.in.SampleRate},
	}
	switch n.in.Encoding {
	case Int16LE:
		buf.Data = make([]float32, len(frame)/2)
		for i := range buf.Data {
			buf.Data[i] = float32(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768
		}
	default:
		buf.Data = make([]float32, len(frame)/4)
		for i := range buf.Data {
			buf.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:]))
		}
	}
	return buf
}

// downmix averages interleaved channels into one.
func downmix(buf *goaudio.Float32Buffer) []float32 {
	ch := buf.Format.NumChannels
	if ch == 1 {
		return buf.Data
	}
	out := make([]float32, buf.NumFrames())
	for i := range out {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += buf.Data[i*ch+c]
		}
		out[i] = sum / float32(ch)
	}
	return out
}

// resample is a streaming linear interpolator. The last input sample of each
// call is carried so interpolation is continuous across frame boundaries.
func (n *Normalizer) resample(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	src := in
	if n.havePrev {
		src = make([]float32, 0, len(in)+1)
		src = append(src, n.prev)
		src = append(src, in...)
	}

	step := float64(n.in.SampleRate) / float64(n.outRate)
	last := float64(len(src) - 1)
	out := make([]float32, 0, int(float64(len(src))/step)+1)
	p := n.pos
	for ; p < last; p += step {
		i := int(p)
		frac := float32(p - float64(i))
		out = append(out, src[i]*(1-frac)+src[i+1]*frac)
	}

	n.pos = p - last
	n.prev = src[len(src)-1]
	n.havePrev = true
	return out
}

func encodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(float64(s)*32767))))
	}
	return out
}

// PCM16Samples decodes little-endian 16-bit PCM.
func PCM16Samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}
