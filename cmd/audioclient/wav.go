package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavFormat describes the PCM stream inside a WAV file.
type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// bytesPerSecond is the PCM data rate of the stream.
func (f wavFormat) bytesPerSecond() int {
	return int(f.SampleRate) * int(f.Channels) * int(f.BitsPerSample) / 8
}

// readWAV validates the RIFF header and returns the format together with a
// reader positioned at the start of the PCM data.
func readWAV(r io.Reader) (wavFormat, io.Reader, error) {
	var format wavFormat

	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return format, nil, fmt.Errorf("read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return format, nil, errors.New("not a valid WAV file")
	}

	var haveFormat bool
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return format, nil, fmt.Errorf("read WAV chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return format, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return format, nil, errors.New("fmt chunk too short")
			}
			format = wavFormat{
				AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				Channels:      binary.LittleEndian.Uint16(body[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return format, nil, errors.New("data chunk before fmt chunk")
			}
			if format.AudioFormat != 1 { // PCM
				return format, nil, fmt.Errorf("only PCM format supported, got %d", format.AudioFormat)
			}
			return format, io.LimitReader(r, size), nil
		default:
			// Chunks are padded to an even size.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return format, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
