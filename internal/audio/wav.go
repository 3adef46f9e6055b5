// Package audio derives recording durations from WAV headers or, for
// other container formats, from ffprobe.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// HeaderPrefixSize is how many leading bytes of a remote recording are
// fetched to resolve its duration without downloading the audio. The
// fmt and data chunk headers sit well inside this window in any file
// Asterisk or Twilio produces.
const HeaderPrefixSize = 64 * 1024

// WAVInfo holds the parsed fields from a WAV file header that duration
// math needs.
type WAVInfo struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration computes playback time from the data chunk size and byte
// rate.
func (h *WAVInfo) Duration() (time.Duration, error) {
	rate := h.ByteRate
	if rate == 0 {
		rate = h.SampleRate * uint32(h.BlockAlign)
	}
	if rate == 0 {
		return 0, errors.New("wav header has zero byte rate")
	}
	secs := float64(h.DataSize) / float64(rate)
	return time.Duration(secs * float64(time.Second)), nil
}

// ParseWAVHeader walks the RIFF chunks of a WAV stream until it finds
// fmt and data. Only chunk headers are read, so a truncated prefix of
// the file is enough.
func ParseWAVHeader(r io.ReadSeeker) (*WAVInfo, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	hdr := &WAVInfo{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Never read the data itself; the size field is enough.

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// DurationFromHeader resolves a WAV duration from a leading byte prefix
// of the file, typically HeaderPrefixSize bytes fetched over SFTP.
func DurationFromHeader(prefix []byte) (time.Duration, error) {
	hdr, err := ParseWAVHeader(bytes.NewReader(prefix))
	if err != nil {
		return 0, err
	}
	return hdr.Duration()
}

// IsWAV reports whether the filename looks like a WAV recording.
func IsWAV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}
