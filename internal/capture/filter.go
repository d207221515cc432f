package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"time"
)

// A Filter rewrites a captured frame in place. buf holds n valid bytes; the
// returned length may grow up to len(buf).
type Filter interface {
	Filter(buf []byte, n int) (int, error)

	// Headroom is the number of bytes the filter may add to a frame.
	Headroom() int
}

// DHTFilter inserts the standard Huffman tables into JPEG frames that lack
// them. Many USB cameras emit such abbreviated MJPEG frames.
type DHTFilter struct{}

// standardDHT holds the DHT segments of the tables from ITU T.81 Annex K.
var standardDHT = deriveStandardDHT()

// The Go encoder always writes the Annex K tables, so derive them from a
// tiny encoded colour image. Gray images only carry the luma tables.
func deriveStandardDHT() []byte {
	var b bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if err := jpeg.Encode(&b, img, nil); err != nil {
		panic(err)
	}
	segs, err := scanHeaders(b.Bytes())
	if err != nil {
		panic(err)
	}
	var dht []byte
	for _, s := range segs {
		if s.Marker == markerDHT {
			dht = append(dht, b.Bytes()[s.Start:s.End]...)
		}
	}
	return dht
}

func (DHTFilter) Headroom() int {
	return len(standardDHT)
}

func (DHTFilter) Filter(buf []byte, n int) (int, error) {
	segs, err := scanHeaders(buf[:n])
	if err != nil {
		return 0, err
	}
	for _, s := range segs {
		if s.Marker == markerDHT {
			return n, nil
		}
	}
	sos := segs[len(segs)-1].Start
	grown := n + len(standardDHT)
	if grown > len(buf) {
		return 0, ErrShortBuffer
	}
	copy(buf[sos+len(standardDHT):grown], buf[sos:n])
	copy(buf[sos:], standardDHT)
	return grown, nil
}

// Apply returns frame with the standard tables inserted, reusing frame's
// storage when it has the capacity.
func (f DHTFilter) Apply(frame []byte) ([]byte, error) {
	n := len(frame)
	if cap(frame) < n+len(standardDHT) {
		grown := make([]byte, n, n+len(standardDHT))
		copy(grown, frame)
		frame = grown
	}
	m, err := f.Filter(frame[:n+len(standardDHT)], n)
	if err != nil {
		return nil, err
	}
	return frame[:m], nil
}

// Filtered wraps a source so that every frame passes through f.
func Filtered(src Source, f Filter) Source {
	return &filtered{Source: src, filter: f}
}

type filtered struct {
	Source
	filter Filter
}

func (s *filtered) Configure(f Format) (int, error) {
	size, err := s.Source.Configure(f)
	if err != nil {
		return 0, err
	}
	return size + s.filter.Headroom(), nil
}

func (s *filtered) Dequeue(timeout time.Duration) ([]byte, error) {
	frame, err := s.Source.Dequeue(timeout)
	if err != nil {
		return nil, err
	}
	n := len(frame)
	buf := make([]byte, n+s.filter.Headroom())
	copy(buf, frame)
	n, err = s.filter.Filter(buf, n)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (s *filtered) ReadInto(dst []byte, timeout time.Duration) (int, error) {
	n, err := s.Source.ReadInto(dst, timeout)
	if err != nil {
		return 0, err
	}
	return s.filter.Filter(dst, n)
}
