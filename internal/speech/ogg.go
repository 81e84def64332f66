package speech

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// opusClockRate is the Opus granule clock.
const opusClockRate = 48000

// opusFrameSamples is the granule step of one 20ms Opus frame.
const opusFrameSamples = opusClockRate / 50

var opusTags = []byte("OpusTags")

// oggPackets reads an Ogg/Opus stream and yields each page payload with the
// playback duration derived from its granule position.
func oggPackets(r io.Reader) iter.Seq2[Audio, error] {
	return func(yield func(Audio, error) bool) {
		reader, _, err := oggreader.NewWith(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(Audio{}, fmt.Errorf("read ogg header: %w", err))
			return
		}

		var last uint64
		for {
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Audio{}, fmt.Errorf("read ogg page: %w", err))
				return
			}
			if len(page) == 0 || bytes.HasPrefix(page, opusTags) {
				continue
			}

			var samples uint64
			if header.GranulePosition > last {
				samples = header.GranulePosition - last
			}
			last = header.GranulePosition

			audio := Audio{
				Data:     page,
				Duration: time.Duration(samples) * time.Second / opusClockRate,
			}
			if !yield(audio, nil) {
				return
			}
		}
	}
}
