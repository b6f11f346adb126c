package audio

import (
	"bytes"
	"context"
	"io"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVConcatenator merges WAV segments by decoding their PCM and writing a
// single stream with a correct header. All segments must share sample rate,
// channel count, and bit depth.
type WAVConcatenator struct{}

func (WAVConcatenator) Format() string { return "wav" }

func (WAVConcatenator) Concat(ctx context.Context, segments [][]byte) ([]byte, error) {
	if len(segments) == 0 {
		return nil, concatErr(-1, "no segments to concatenate")
	}
	if len(segments) == 1 {
		// A lone segment gets the same validation a merge would give it so a
		// corrupt chunk cannot pass through untouched.
		dec := wav.NewDecoder(bytes.NewReader(segments[0]))
		if !dec.IsValidFile() {
			return nil, concatErr(0, "not a valid wav file")
		}
		if _, err := dec.FullPCMBuffer(); err != nil {
			return nil, concatErr(0, "decode pcm: %w", err)
		}
		out := make([]byte, len(segments[0]))
		copy(out, segments[0])
		return out, nil
	}

	var merged *gaudio.IntBuffer
	var bitDepth int
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := wav.NewDecoder(bytes.NewReader(seg))
		if !dec.IsValidFile() {
			return nil, concatErr(i, "not a valid wav file")
		}
		buf, err := dec.FullPCMBuffer()
		if err != nil {
			return nil, concatErr(i, "decode pcm: %w", err)
		}
		if merged == nil {
			merged = buf
			bitDepth = int(dec.BitDepth)
			continue
		}
		if buf.Format.SampleRate != merged.Format.SampleRate ||
			buf.Format.NumChannels != merged.Format.NumChannels ||
			int(dec.BitDepth) != bitDepth {
			return nil, concatErr(i, "format mismatch: %dHz/%dch/%dbit vs %dHz/%dch/%dbit",
				buf.Format.SampleRate, buf.Format.NumChannels, dec.BitDepth,
				merged.Format.SampleRate, merged.Format.NumChannels, bitDepth)
		}
		merged.Data = append(merged.Data, buf.Data...)
	}

	var out seekBuffer
	enc := wav.NewEncoder(&out, merged.Format.SampleRate, bitDepth, merged.Format.NumChannels, 1)
	if err := enc.Write(merged); err != nil {
		return nil, concatErr(-1, "encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, concatErr(-1, "close wav encoder: %w", err)
	}
	return out.data, nil
}

// WAVDurationSeconds computes playback length from the PCM payload.
func WAVDurationSeconds(data []byte) (float64, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dur, err := dec.Duration()
	if err != nil {
		return 0, err
	}
	return dur.Seconds(), nil
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewinds to patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		b.data = append(b.data, make([]byte, need-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	}
	if abs < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b.pos = int(abs)
	return abs, nil
}
