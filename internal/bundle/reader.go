// Package bundle streams notes out of an ENEX export bundle.
//
// The reader never loads the whole bundle: it locates the <en-export>
// envelope, then cuts each <note> element out of the stream and decodes it
// on its own, so one malformed note cannot affect its neighbours.
package bundle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/starford/vaultport/internal/apperr"
	"github.com/starford/vaultport/internal/models"
)

const (
	// envelopeWindow bounds how far into the stream the root element may start.
	envelopeWindow = 64 << 10
	// DefaultMaxNoteBytes caps a single note element.
	DefaultMaxNoteBytes = 256 << 20
)

var (
	envelopeTag = []byte("<en-export")
	// noteOpen has no '>' so it also matches a start tag with attributes.
	noteOpen    = []byte("<note")
	noteClose   = []byte("</note>")
	exportClose = []byte("</en-export>")
)

// Options tune decoding.
type Options struct {
	// DefaultNotebook is used for notes without a notebook field.
	DefaultNotebook string
	// MaxNoteBytes rejects larger note elements; 0 means DefaultMaxNoteBytes.
	MaxNoteBytes int
}

// Record is one decoded note, or the failure to decode it.
type Record struct {
	Ordinal     int
	Label       string
	Note        models.Note
	Attachments []models.Attachment
	// Err is set when the note could not be decoded. The stream stays usable.
	Err      *apperr.ItemError
	Warnings []*apperr.ItemError
}

// Reader yields records lazily in bundle order.
type Reader struct {
	br     *bufio.Reader
	closer io.Closer
	path   string
	opts   Options

	started  bool
	startErr error
	done     bool
	ordinal  int
	seen     map[string]int
	// pending holds a note start tag consumed while cutting the previous note.
	pending []byte
}

// NewReader wraps a single-pass stream.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.MaxNoteBytes <= 0 {
		opts.MaxNoteBytes = DefaultMaxNoteBytes
	}
	return &Reader{
		br:   bufio.NewReaderSize(r, envelopeWindow+len(envelopeTag)),
		opts: opts,
		seen: make(map[string]int),
	}
}

// Open opens a bundle file. Files can be pre-scanned with Count.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	r := NewReader(f, opts)
	r.closer = f
	r.path = path
	return r, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Count pre-scans a file-backed bundle and returns the number of note
// elements. Stream readers return -1.
func (r *Reader) Count() (int, error) {
	if r.path == "" {
		return -1, nil
	}
	return CountFile(r.path)
}

// CountFile counts note elements in a bundle file without decoding them.
func CountFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer f.Close()

	s := &scanner{br: bufio.NewReaderSize(f, envelopeWindow)}
	n := 0
	for {
		res, err := s.scanTo([][]byte{noteOpen}, false, 0)
		if res.marker == 0 {
			n++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("bundle: count: %w", err)
		}
	}
}

// Next returns the next record, or io.EOF once the envelope closes or the
// stream ends. A bundle without an envelope yields apperr.ErrBundleFormat.
func (r *Reader) Next() (Record, error) {
	if err := r.start(); err != nil {
		return Record{}, err
	}
	if r.done {
		return Record{}, io.EOF
	}

	s := &scanner{br: r.br}
	open := r.pending
	r.pending = nil
	if open == nil {
		res, err := s.scanTo([][]byte{noteOpen, exportClose}, false, 0)
		if res.marker != 0 {
			r.done = true
			if err == nil || errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("bundle: read: %w", err)
		}
		open = res.tag
	}

	r.ordinal++
	label := fmt.Sprintf("note #%d", r.ordinal)
	body, err := s.scanTo([][]byte{noteClose, noteOpen}, true, r.opts.MaxNoteBytes)
	if err != nil && !errors.Is(err, io.EOF) {
		r.done = true
		return Record{}, fmt.Errorf("bundle: read: %w", err)
	}
	switch {
	case body.marker < 0:
		r.done = true
		return Record{
			Ordinal: r.ordinal,
			Label:   labelFrom(body.data, label),
			Err:     apperr.Item(apperr.KindNoteParse, "", label, "note element truncated at end of bundle"),
		}, nil
	case body.marker == 1:
		// The note was never closed. Fail it and resume at the next one.
		r.pending = body.tag
		prefix := body.data[:max(len(body.data)-len(body.tag), 0)]
		return Record{
			Ordinal: r.ordinal,
			Label:   labelFrom(prefix, label),
			Err:     apperr.Item(apperr.KindNoteParse, "", label, "note element not closed before the next note"),
		}, nil
	case body.overflow:
		return Record{
			Ordinal: r.ordinal,
			Label:   label,
			Err:     apperr.Item(apperr.KindNoteParse, "", label, "note element exceeds %d bytes", r.opts.MaxNoteBytes),
		}, nil
	}

	raw := make([]byte, 0, len(open)+len(body.data))
	raw = append(raw, open...)
	raw = append(raw, body.data...)
	return r.decode(r.ordinal, raw), nil
}

// start locates the envelope on first use.
func (r *Reader) start() error {
	if r.started {
		return r.startErr
	}
	r.started = true

	head, err := r.br.Peek(envelopeWindow)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		r.startErr = fmt.Errorf("bundle: read header: %w", err)
		return r.startErr
	}
	idx := bytes.Index(head, envelopeTag)
	if idx < 0 {
		r.startErr = fmt.Errorf("bundle: no <en-export> root in the first %d bytes: %w", envelopeWindow, apperr.ErrBundleFormat)
		return r.startErr
	}
	if _, err := r.br.Discard(idx); err != nil {
		r.startErr = fmt.Errorf("bundle: skip header: %w", err)
		return r.startErr
	}

	s := &scanner{br: r.br}
	res, err := s.scanTo([][]byte{[]byte(">")}, true, envelopeWindow)
	if res.marker != 0 {
		r.startErr = fmt.Errorf("bundle: unterminated <en-export> tag: %w", apperr.ErrBundleFormat)
		if err != nil && !errors.Is(err, io.EOF) {
			r.startErr = fmt.Errorf("bundle: read envelope: %w", err)
		}
		return r.startErr
	}
	if bytes.HasSuffix(res.data, []byte("/>")) {
		r.done = true
	}
	return nil
}

// scanner consumes a buffered stream up to tag boundaries.
type scanner struct {
	br *bufio.Reader
}

type scanResult struct {
	data     []byte
	tag      []byte // the tag that matched the marker
	marker   int    // index of the matched marker, -1 when the stream ended first
	overflow bool
}

const tailKeep = 256

// scanTo reads until the consumed bytes end with one of markers. A marker
// ending in '>' must match literally; any other marker names a start tag
// and matches it with or without attributes. When keep is set the consumed
// bytes are returned, up to limit (0 for no limit); past the limit they are
// dropped and overflow is reported.
func (s *scanner) scanTo(markers [][]byte, keep bool, limit int) (scanResult, error) {
	res := scanResult{marker: -1}
	var tail []byte
	for {
		chunk, err := s.br.ReadSlice('>')
		if len(chunk) > 0 {
			if keep && !res.overflow {
				res.data = append(res.data, chunk...)
				if limit > 0 && len(res.data) > limit {
					res.overflow = true
					tail = append([]byte(nil), lastN(res.data, tailKeep)...)
					res.data = nil
				}
			} else {
				tail = append(tail, chunk...)
				if len(tail) > 4*tailKeep {
					tail = append([]byte(nil), lastN(tail, tailKeep)...)
				}
			}
			if chunk[len(chunk)-1] == '>' {
				cur := tail
				if keep && !res.overflow {
					cur = res.data
				}
				for i, m := range markers {
					if tag, ok := matchTag(cur, m); ok {
						res.marker = i
						res.tag = append([]byte(nil), tag...)
						return res, nil
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return res, err
		}
	}
}

// matchTag reports whether cur, which ends with '>', ends with marker.
func matchTag(cur, marker []byte) ([]byte, bool) {
	if bytes.HasSuffix(marker, []byte(">")) {
		if bytes.HasSuffix(cur, marker) {
			return cur[len(cur)-len(marker):], true
		}
		return nil, false
	}
	i := bytes.LastIndexByte(cur, '<')
	if i < 0 {
		return nil, false
	}
	tag := cur[i:]
	if !bytes.HasPrefix(tag, marker) {
		return nil, false
	}
	switch tag[len(marker)] {
	case '>', ' ', '\t', '\n', '\r':
		return tag, true
	}
	return nil, false
}

func lastN(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
