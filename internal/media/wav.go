package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zaf/g711"
)

// WAV format codes.
const (
	FormatPCM  uint16 = 1
	FormatPCMA uint16 = 6 // G.711 a-law
	FormatPCMU uint16 = 7 // G.711 u-law
)

const (
	// toneSampleRate is the only rate ringtones are accepted at.
	toneSampleRate = 8000

	// frameDuration is the playback quantum: 160 samples at 8 kHz.
	frameDuration = 20 * time.Millisecond

	// frameBytes is one frame of 16-bit mono PCM.
	frameBytes = 160 * 2
)

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// readWAV walks the RIFF chunks of a WAV stream and returns the fmt chunk
// and the raw contents of the data chunk.
func readWAV(r io.ReadSeeker) (wavFormat, []byte, error) {
	var format wavFormat

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return format, nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return format, nil, errors.New("not a RIFF/WAVE file")
	}

	foundFmt := false
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return format, nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return format, nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return format, nil, fmt.Errorf("fmt chunk too small: %d bytes", size)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return format, nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if size > 16 {
				if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return format, nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			if !foundFmt {
				return format, nil, errors.New("data chunk before fmt chunk")
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return format, nil, fmt.Errorf("reading audio data: %w", err)
			}
			return format, data[:n], nil

		default:
			// Chunks are padded to an even boundary.
			skip := int64(size)
			if size%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return format, nil, fmt.Errorf("skipping chunk %q: %w", string(id[:]), err)
			}
		}
	}

	if !foundFmt {
		return format, nil, errors.New("wav file missing fmt chunk")
	}
	return format, nil, errors.New("wav file missing data chunk")
}

// Tone is a ringtone decoded to 8 kHz mono 16-bit little-endian PCM.
type Tone struct {
	PCM []byte
}

// Duration returns the length of one pass through the tone.
func (t *Tone) Duration() time.Duration {
	return time.Duration(len(t.PCM)/2) * time.Second / toneSampleRate
}

// LoadTone reads a ringtone file. Accepted formats are 8 kHz mono G.711
// u-law, G.711 a-law and 16-bit linear PCM.
func LoadTone(path string) (*Tone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ringtone: %w", err)
	}
	tone, err := DecodeTone(data)
	if err != nil {
		return nil, fmt.Errorf("decoding ringtone %s: %w", path, err)
	}
	return tone, nil
}

// DecodeTone decodes an in-memory WAV ringtone.
func DecodeTone(data []byte) (*Tone, error) {
	format, samples, err := readWAV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if format.NumChannels != 1 {
		return nil, fmt.Errorf("ringtone must be mono, got %d channels", format.NumChannels)
	}
	if format.SampleRate != toneSampleRate {
		return nil, fmt.Errorf("ringtone must be %d Hz, got %d Hz", toneSampleRate, format.SampleRate)
	}

	var pcm []byte
	switch format.AudioFormat {
	case FormatPCMU:
		pcm = g711.DecodeUlaw(samples)
	case FormatPCMA:
		pcm = g711.DecodeAlaw(samples)
	case FormatPCM:
		if format.BitsPerSample != 16 {
			return nil, fmt.Errorf("linear ringtone must be 16-bit, got %d-bit", format.BitsPerSample)
		}
		pcm = samples[:len(samples)&^1]
	default:
		return nil, fmt.Errorf("unsupported wav format %d", format.AudioFormat)
	}
	if len(pcm) == 0 {
		return nil, errors.New("ringtone has no audio")
	}
	return &Tone{PCM: pcm}, nil
}

// EncodeWAV wraps 8 kHz mono samples in a WAV container. format selects
// the payload encoding: u-law and a-law samples are one byte each.
func EncodeWAV(format uint16, samples []byte) []byte {
	bits := uint16(8)
	if format == FormatPCM {
		bits = 16
	}
	blockAlign := bits / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(samples)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, wavFormat{
		AudioFormat:   format,
		NumChannels:   1,
		SampleRate:    toneSampleRate,
		ByteRate:      toneSampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bits,
	})
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(samples)))
	buf.Write(samples)
	return buf.Bytes()
}
