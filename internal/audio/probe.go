// Package audio validates that uploaded content is decodable audio and
// extracts derived metadata from it.
package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/dhowden/tag"
	"github.com/tcolgate/mp3"
)

// maxPlausibleDuration rejects streams that claim to run for days; a frame
// walk that long is almost certainly corrupt input.
const maxPlausibleDuration = 12 * 60 * 60 // seconds

// ErrNotAudio is returned when the content cannot be identified as any
// supported audio format.
var ErrNotAudio = errors.New("content is not decodable audio")

// Meta is what the probe learned about an audio stream. Tag fields are
// best-effort: their absence is never a failure.
type Meta struct {
	Format   string   // detected container/codec, e.g. "MP3", "FLAC"
	Duration *float64 // seconds, when it could be measured
	Title    string
	Artist   string
}

// Probe identifies the audio format of r, measures duration where the
// format allows it, and opportunistically reads tags. Returns ErrNotAudio
// when r is not recognizable audio.
func Probe(r io.ReadSeeker) (*Meta, error) {
	_, fileType, idErr := tag.Identify(r)

	meta := &Meta{Format: string(fileType)}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind for tag read: %w", err)
	}
	if tags, err := tag.ReadFrom(r); err == nil {
		meta.Title = tags.Title()
		meta.Artist = tags.Artist()
		if meta.Format == "" || meta.Format == string(tag.UnknownFileType) {
			meta.Format = string(tags.FileType())
		}
	}

	identified := idErr == nil && fileType != tag.UnknownFileType

	// MP3 streams get a full frame walk: it both proves decodability and
	// yields the duration. Bare MP3 without an ID3 header is not
	// identifiable from magic bytes alone, so the walk doubles as the
	// fallback identification.
	if !identified || fileType == tag.MP3 {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind for frame walk: %w", err)
		}
		seconds, err := mp3Duration(r)
		if err == nil {
			meta.Format = string(tag.MP3)
			meta.Duration = &seconds
			identified = true
		} else if !identified {
			return nil, ErrNotAudio
		}
	}

	if !identified {
		return nil, ErrNotAudio
	}
	if meta.Duration != nil && (*meta.Duration <= 0 || *meta.Duration > maxPlausibleDuration) {
		return nil, fmt.Errorf("implausible duration %.1fs: %w", *meta.Duration, ErrNotAudio)
	}
	return meta, nil
}

// mp3Duration walks every frame in the stream and sums their durations.
// An error before any frame decodes means the stream is not MP3.
func mp3Duration(r io.Reader) (float64, error) {
	dec := mp3.NewDecoder(r)

	var (
		frame   mp3.Frame
		skipped int
		total   float64
		frames  int
	)
	for {
		err := dec.Decode(&frame, &skipped)
		if err == io.EOF {
			break
		}
		if err != nil {
			if frames == 0 {
				return 0, fmt.Errorf("no decodable mp3 frames: %w", err)
			}
			// trailing garbage after valid frames (common with truncated
			// downloads and sloppy encoders) is tolerated
			break
		}
		total += frame.Duration().Seconds()
		frames++
	}
	if frames == 0 {
		return 0, errors.New("no decodable mp3 frames")
	}
	return total, nil
}
