package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	frames  []string
	commits int
	err     error
}

func (f *fakeSender) SendAudio(_ context.Context, frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, string(frame))
	return nil
}

func (f *fakeSender) EndOfStream(context.Context) error {
	f.commits++
	return nil
}

func oggPage(flags byte, granule uint64, pkt []byte) []byte {
	var b bytes.Buffer
	b.WriteString("OggS")
	b.WriteByte(0)
	b.WriteByte(flags)
	_ = binary.Write(&b, binary.LittleEndian, granule)
	b.Write(make([]byte, 12)) // serial, sequence, crc
	b.WriteByte(1)
	b.WriteByte(byte(len(pkt)))
	b.Write(pkt)
	return b.Bytes()
}

func opusTagsPacket(title string) []byte {
	var b bytes.Buffer
	b.WriteString("OpusTags")
	_ = binary.Write(&b, binary.LittleEndian, uint32(2))
	b.WriteString("go")
	_ = binary.Write(&b, binary.LittleEndian, uint32(1))
	c := "TITLE=" + title
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(c)))
	b.WriteString(c)
	return b.Bytes()
}

func TestStreamChunks(t *testing.T) {
	f := &fakeSender{}
	s := &Streamer{Sender: f}

	st, err := s.StreamChunks(context.Background(), bytes.NewReader([]byte("abcdefgh")), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def", "gh"}, f.frames)
	assert.Equal(t, StreamStats{Frames: 3, Bytes: 8}, st)
	assert.Equal(t, 1, f.commits)
}

func TestStreamChunksEmptyInputDoesNotCommit(t *testing.T) {
	f := &fakeSender{}
	st, err := (&Streamer{Sender: f}).StreamChunks(context.Background(), bytes.NewReader(nil), 4)
	require.NoError(t, err)
	assert.Zero(t, st.Frames)
	assert.Zero(t, f.commits)
}

func TestStreamChunksRejectsBadSize(t *testing.T) {
	_, err := (&Streamer{Sender: &fakeSender{}}).StreamChunks(context.Background(), bytes.NewReader(nil), 0)
	assert.Error(t, err)
}

func TestStreamSendError(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeSender{err: boom}
	_, err := (&Streamer{Sender: f}).StreamChunks(context.Background(), bytes.NewReader([]byte("abc")), 2)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.commits)
}

func TestStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Streamer{Sender: &fakeSender{}}).StreamChunks(ctx, bytes.NewReader([]byte("abc")), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamOggSendsAudioAndReportsTitles(t *testing.T) {
	var in []byte
	in = append(in, oggPage(0, 0, append([]byte("OpusHead"), 1, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0))...)
	in = append(in, oggPage(0, 0, opusTagsPacket("First Title"))...)
	in = append(in, oggPage(0, 960, []byte("op1"))...)
	in = append(in, oggPage(0, 0, opusTagsPacket("Second Title"))...)
	in = append(in, oggPage(0, 1920, []byte("op2"))...)

	f := &fakeSender{}
	var titles []string
	s := &Streamer{Sender: f, OnTitle: func(title string) { titles = append(titles, title) }}

	st, err := s.StreamOgg(context.Background(), bytes.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"op1", "op2"}, f.frames)
	assert.Equal(t, 2, st.Frames)
	assert.Equal(t, []string{"First Title", "Second Title"}, titles)
	assert.Equal(t, 1, f.commits)
}
