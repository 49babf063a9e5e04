package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"audiorelay/internal/oggdemux"
)

// AudioSender is the part of Client the streaming helpers need.
type AudioSender interface {
	SendAudio(ctx context.Context, frame []byte) error
	EndOfStream(ctx context.Context) error
}

// StreamStats summarises one streaming run.
type StreamStats struct {
	Frames int
	Bytes  int
}

// Streamer feeds audio from a reader to the relay and commits it at EOF.
type Streamer struct {
	Sender AudioSender
	// Interval paces frames; 0 sends as fast as the socket accepts.
	Interval time.Duration
	// OnTitle is called when an Ogg stream announces a new TITLE.
	OnTitle func(title string)
}

// StreamChunks sends fixed-size chunks read from r.
func (s *Streamer) StreamChunks(ctx context.Context, r io.Reader, chunkSize int) (StreamStats, error) {
	if chunkSize <= 0 {
		return StreamStats{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	br := bufio.NewReader(r)
	buf := make([]byte, chunkSize)
	return s.run(ctx, func() ([]byte, error) {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			return buf[:n], nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	})
}

// StreamOgg demuxes r and sends one Opus packet per frame. Header packets are
// not sent.
func (s *Streamer) StreamOgg(ctx context.Context, r io.Reader) (StreamStats, error) {
	d := oggdemux.New(r)
	title := ""
	return s.run(ctx, func() ([]byte, error) {
		p, err := d.NextAudio()
		if d.Title != title {
			title = d.Title
			if s.OnTitle != nil {
				s.OnTitle(title)
			}
		}
		if err != nil {
			return nil, err
		}
		return p.Data, nil
	})
}

func (s *Streamer) run(ctx context.Context, next func() ([]byte, error)) (StreamStats, error) {
	var st StreamStats
	var tick <-chan time.Time
	if s.Interval > 0 {
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		frame, err := next()
		if errors.Is(err, io.EOF) {
			if st.Frames == 0 {
				return st, nil
			}
			return st, s.Sender.EndOfStream(ctx)
		}
		if err != nil {
			return st, fmt.Errorf("error reading audio: %w", err)
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := s.Sender.SendAudio(ctx, frame); err != nil {
			return st, fmt.Errorf("error sending audio: %w", err)
		}
		st.Frames++
		st.Bytes += len(frame)
	}
}
