package decode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"

	"soundlayer/audio"
)

// FileDecoder is the file-backed synchronous variant: the codec reads on
// demand inside Read. Decoding a 1024-frame chunk is cheap on desktop, so
// no buffering thread is involved.
type FileDecoder struct {
	path     string
	file     *os.File
	streamer beep.StreamSeekCloser
	format   beep.Format
	failed   bool
	gain     float64 // brings codec output to the [-1, 1] scale
}

// Open inspects and opens an audio file, dispatching on extension. It
// fails with audio.ErrFileNotFound, audio.ErrUnsupportedFormat or
// audio.ErrMalformedFile.
func Open(path string) (*FileDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", audio.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		streamer, format, err = wav.Decode(f)
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".ogg", ".oga":
		streamer, format, err = vorbis.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", audio.ErrMalformedFile, path, err)
	}

	gain := 1.0
	if ext := strings.ToLower(filepath.Ext(path)); (ext == ".wav" || ext == ".wave") && format.Precision == 2 {
		// beep's WAV reader divides 16-bit samples by 65535 instead of
		// 32767, which leaves them at half scale.
		gain = float64(1<<16-1) / float64(1<<15-1)
	}
	return &FileDecoder{path: path, file: f, streamer: streamer, format: format, gain: gain}, nil
}

// Read pulls up to len(dst) frames at the file's native rate. Frames come
// out of the codec already normalized to [-1, 1]; integer and float
// subtypes look the same here, scaling to the engine's integer range
// happens in the Source.
func (d *FileDecoder) Read(dst []Frame) (int, error) {
	if d.failed || d.streamer == nil {
		return 0, io.EOF
	}
	n, ok := d.streamer.Stream(dst)
	if n > 0 {
		if d.gain != 1 {
			for i := range dst[:n] {
				dst[i][0] *= d.gain
				dst[i][1] *= d.gain
			}
		}
		return n, nil
	}
	if !ok {
		if err := d.streamer.Err(); err != nil {
			d.failed = true
			return 0, fmt.Errorf("%w: %s: %v", audio.ErrDecode, d.path, err)
		}
		return 0, io.EOF
	}
	return 0, nil
}

// Seek moves to the given position, clamped to the stream bounds.
func (d *FileDecoder) Seek(pos time.Duration) error {
	if d.streamer == nil {
		return io.EOF
	}
	frame := int(pos.Seconds() * float64(d.format.SampleRate))
	if frame < 0 {
		frame = 0
	}
	if l := d.streamer.Len(); frame > l {
		frame = l
	}
	if err := d.streamer.Seek(frame); err != nil {
		return fmt.Errorf("%w: seek %s: %v", audio.ErrDecode, d.path, err)
	}
	return nil
}

// Info reports the native format recorded at open time.
func (d *FileDecoder) Info() Info {
	return Info{
		SampleRate:  int(d.format.SampleRate),
		Channels:    d.format.NumChannels,
		TotalFrames: int64(d.streamer.Len()),
	}
}

// RemainingFrames estimates frames until end of stream at targetRate.
func (d *FileDecoder) RemainingFrames(targetRate int) int64 {
	if d.streamer == nil || d.failed {
		return 0
	}
	rem := int64(d.streamer.Len() - d.streamer.Position())
	if rem < 0 {
		return 0
	}
	native := int64(d.format.SampleRate)
	if native == int64(targetRate) || native == 0 {
		return rem
	}
	return rem * int64(targetRate) / native
}

// Close releases the codec and the underlying file.
func (d *FileDecoder) Close() error {
	var err error
	if d.streamer != nil {
		err = d.streamer.Close()
		d.streamer = nil
	}
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	return err
}
