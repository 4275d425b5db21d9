// Package wav reads and writes the minimal subset of the RIFF/WAVE container
// the narration pipeline needs: locating the fmt and data chunks, joining the
// sample data of several files into one, and wrapping raw PCM in a canonical
// header.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	riffMagic = "RIFF"
	waveMagic = "WAVE"
	fmtChunk  = "fmt "
	dataChunk = "data"

	riffHeaderLen = 12
	chunkDescLen  = 8
	fmtChunkLen   = 16
	pcmHeaderLen  = 44

	pcmFormatCode = 1
	bitsPerByte   = 8
)

var (
	// ErrTooShort means the data cannot hold a RIFF descriptor.
	ErrTooShort = errors.New("data too short for a RIFF header")
	// ErrNotRIFF means the RIFF magic bytes are absent.
	ErrNotRIFF = errors.New("missing RIFF magic")
	// ErrNotWAVE means the WAVE identifier is absent.
	ErrNotWAVE = errors.New("missing WAVE identifier")
	// ErrNoDataChunk means the chunk walk never found a data chunk.
	ErrNoDataChunk = errors.New("missing data chunk")
	// ErrNoBuffers means Stitch was called with nothing to join.
	ErrNoBuffers = errors.New("no audio buffers to stitch")
	// ErrFormatMismatch means the buffers in one stitch do not share sample
	// rate, channel count, and bit depth.
	ErrFormatMismatch = errors.New("audio format mismatch between buffers")
)

// Info is the parsed view of one WAVE file: the format parameters from the
// fmt chunk and the location of the sample data.
type Info struct {
	FormatCode    int
	Channels      int
	SampleRate    int
	ByteRate      int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// Duration converts the sample-data length into playback time.
func (i Info) Duration() time.Duration {
	if i.ByteRate <= 0 {
		return 0
	}

	seconds := float64(i.DataSize) / float64(i.ByteRate)

	return time.Duration(seconds * float64(time.Second))
}

// sameFormat reports whether two files can share one header.
func (i Info) sameFormat(other Info) bool {
	return i.Channels == other.Channels &&
		i.SampleRate == other.SampleRate &&
		i.BitsPerSample == other.BitsPerSample
}

// Parse walks the RIFF chunks of data and returns the format parameters and
// data location. Chunks are word-aligned, so odd-sized chunks are followed by
// one pad byte. A declared data size of zero, or one that overruns the
// buffer, is clamped to the bytes actually present; engines that stream WAV
// output leave that field unfinished.
func Parse(data []byte) (Info, error) {
	if len(data) < riffHeaderLen {
		return Info{}, ErrTooShort
	}

	if string(data[0:4]) != riffMagic {
		return Info{}, ErrNotRIFF
	}

	if string(data[8:12]) != waveMagic {
		return Info{}, ErrNotWAVE
	}

	var info Info

	offset := riffHeaderLen
	for offset+chunkDescLen <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+chunkDescLen]))
		body := offset + chunkDescLen

		switch chunkID {
		case fmtChunk:
			if chunkSize >= fmtChunkLen && body+fmtChunkLen <= len(data) {
				fmtData := data[body:]
				info.FormatCode = int(binary.LittleEndian.Uint16(fmtData[0:2]))
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.ByteRate = int(binary.LittleEndian.Uint32(fmtData[8:12]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			}
		case dataChunk:
			available := len(data) - body
			if chunkSize == 0 || chunkSize > available {
				chunkSize = available
			}

			info.DataOffset = body
			info.DataSize = chunkSize

			return info, nil
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	return Info{}, ErrNoDataChunk
}

// Data returns the sample-data region of one WAVE file.
func Data(buf []byte) ([]byte, error) {
	info, err := Parse(buf)
	if err != nil {
		return nil, err
	}

	return buf[info.DataOffset : info.DataOffset+info.DataSize], nil
}

// Stitch joins ordered WAVE buffers into one file. A single buffer is
// returned as-is. For several buffers the header of the first one becomes the
// template; the sample data of every buffer is appended in order, and the
// RIFF size and data size fields are rewritten for the new total. All
// buffers must share the first buffer's format.
func Stitch(buffers [][]byte) ([]byte, error) {
	if len(buffers) == 0 {
		return nil, ErrNoBuffers
	}

	if len(buffers) == 1 {
		return buffers[0], nil
	}

	first, err := Parse(buffers[0])
	if err != nil {
		return nil, fmt.Errorf("parse buffer 0: %w", err)
	}

	infos := make([]Info, len(buffers))
	infos[0] = first
	totalData := first.DataSize

	for i := 1; i < len(buffers); i++ {
		info, parseErr := Parse(buffers[i])
		if parseErr != nil {
			return nil, fmt.Errorf("parse buffer %d: %w", i, parseErr)
		}

		if !first.sameFormat(info) {
			return nil, fmt.Errorf("%w: buffer %d", ErrFormatMismatch, i)
		}

		infos[i] = info
		totalData += info.DataSize
	}

	header := buffers[0][:first.DataOffset]
	out := make([]byte, 0, len(header)+totalData)
	out = append(out, header...)

	for i, buf := range buffers {
		info := infos[i]
		out = append(out, buf[info.DataOffset:info.DataOffset+info.DataSize]...)
	}

	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-chunkDescLen))
	binary.LittleEndian.PutUint32(
		out[first.DataOffset-4:first.DataOffset],
		uint32(totalData),
	)

	return out, nil
}

// Encode wraps raw little-endian PCM samples in a canonical 44-byte WAVE
// header.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / bitsPerByte
	byteRate := sampleRate * blockAlign

	out := make([]byte, 0, pcmHeaderLen+len(pcm))
	out = append(out, riffMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(pcmHeaderLen-chunkDescLen+len(pcm)))
	out = append(out, waveMagic...)

	out = append(out, fmtChunk...)
	out = binary.LittleEndian.AppendUint32(out, fmtChunkLen)
	out = binary.LittleEndian.AppendUint16(out, pcmFormatCode)
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(byteRate))
	out = binary.LittleEndian.AppendUint16(out, uint16(blockAlign))
	out = binary.LittleEndian.AppendUint16(out, uint16(bitsPerSample))

	out = append(out, dataChunk...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)

	return out
}
