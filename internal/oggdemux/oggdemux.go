// Package oggdemux splits an Ogg/Opus byte stream into packets so the CLI
// streamer can send one packet per binary frame.
package oggdemux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	headerLen     = 27
	flagContinued = 0x01
	// opus granule positions always count 48 kHz samples
	granuleRate = 48000
)

// Kind classifies a packet by its leading magic.
type Kind int

const (
	KindAudio Kind = iota
	KindHead
	KindTags
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "OpusHead"
	case KindTags:
		return "OpusTags"
	}
	return "audio"
}

// Packet is one logical packet. Granule is the granule position of the page
// that completed it.
type Packet struct {
	Data    []byte
	Kind    Kind
	Serial  uint32
	Granule uint64
}

// OffsetMicros converts the page granule to a best-effort stream offset.
func (p Packet) OffsetMicros() uint64 {
	return p.Granule * 1_000_000 / granuleRate
}

var ErrBadVersion = errors.New("oggdemux: unsupported page version")

// Reader pulls packets out of an Ogg stream. It resynchronises on the
// OggS capture pattern, so leading junk is skipped.
type Reader struct {
	r       *bufio.Reader
	queue   []Packet
	partial []byte
	// Channels is taken from the most recent OpusHead, 0 until one is seen.
	Channels int
	// Title is the TITLE comment of the most recent OpusTags, if any.
	Title string
}

func New(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next packet of any kind, or io.EOF at end of input. A
// truncated final page also reports io.EOF.
func (d *Reader) Next() (Packet, error) {
	for len(d.queue) == 0 {
		if err := d.readPage(); err != nil {
			return Packet{}, err
		}
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	return p, nil
}

// NextAudio skips header packets and returns the next audio packet.
func (d *Reader) NextAudio() (Packet, error) {
	for {
		p, err := d.Next()
		if err != nil || p.Kind == KindAudio {
			return p, err
		}
	}
}

func (d *Reader) readPage() error {
	hdr, err := d.sync()
	if err != nil {
		return err
	}
	if hdr[4] != 0 {
		return fmt.Errorf("%w: %d", ErrBadVersion, hdr[4])
	}
	flags := hdr[5]
	granule := binary.LittleEndian.Uint64(hdr[6:14])
	serial := binary.LittleEndian.Uint32(hdr[14:18])

	lacing := make([]byte, hdr[26])
	if err := readFull(d.r, lacing); err != nil {
		return err
	}
	size := 0
	for _, n := range lacing {
		size += int(n)
	}
	body := make([]byte, size)
	if err := readFull(d.r, body); err != nil {
		return err
	}

	// a page without the continuation flag abandons any half-read packet
	if flags&flagContinued == 0 {
		d.partial = nil
	}
	cur := d.partial
	off := 0
	for _, n := range lacing {
		cur = append(cur, body[off:off+int(n)]...)
		off += int(n)
		if n < 255 {
			d.emit(cur, serial, granule)
			cur = nil
		}
	}
	d.partial = cur
	return nil
}

func (d *Reader) emit(data []byte, serial uint32, granule uint64) {
	p := Packet{Data: data, Serial: serial, Granule: granule}
	switch {
	case hasMagic(data, "OpusHead"):
		p.Kind = KindHead
		if len(data) > 9 && data[9] > 0 {
			d.Channels = int(data[9])
		}
	case hasMagic(data, "OpusTags"):
		p.Kind = KindTags
		if title, ok := parseTitle(data); ok {
			d.Title = title
		}
	}
	d.queue = append(d.queue, p)
}

// sync scans forward to the next capture pattern and returns the header.
func (d *Reader) sync() ([]byte, error) {
	hdr := make([]byte, headerLen)
	if err := readFull(d.r, hdr[:4]); err != nil {
		return nil, err
	}
	for string(hdr[:4]) != "OggS" {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		copy(hdr, hdr[1:4])
		hdr[3] = b
	}
	if err := readFull(d.r, hdr[4:]); err != nil {
		return nil, err
	}
	return hdr, nil
}

func readFull(r io.Reader, p []byte) error {
	_, err := io.ReadFull(r, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func hasMagic(b []byte, magic string) bool {
	return len(b) >= len(magic) && string(b[:len(magic)]) == magic
}

// parseTitle walks the vorbis comment list of an OpusTags packet.
func parseTitle(b []byte) (string, bool) {
	b = b[8:]
	next := func() ([]byte, bool) {
		if len(b) < 4 {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(b))
		if n < 0 || len(b)-4 < n {
			return nil, false
		}
		s := b[4 : 4+n]
		b = b[4+n:]
		return s, true
	}
	if _, ok := next(); !ok { // vendor
		return "", false
	}
	if len(b) < 4 {
		return "", false
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	for i := uint32(0); i < count; i++ {
		c, ok := next()
		if !ok {
			return "", false
		}
		k, v, found := strings.Cut(string(c), "=")
		if found && strings.EqualFold(k, "TITLE") {
			return v, true
		}
	}
	return "", false
}
