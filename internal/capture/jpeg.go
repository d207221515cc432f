package capture

import (
	"encoding/binary"

	errors "golang.org/x/xerrors"
)

// JPEG marker codes.
const (
	markerSOI  = 0xd8
	markerEOI  = 0xd9
	markerSOS  = 0xda
	markerDHT  = 0xc4
	markerRST0 = 0xd0
	markerRST7 = 0xd7
	markerTEM  = 0x01
)

var errMalformedJPEG = errors.New("malformed JPEG")

// segment is a marker segment located in a JPEG stream. Start is the offset
// of the 0xff byte and End is one past the segment payload.
type segment struct {
	Marker byte
	Start  int
	End    int
}

// scanHeaders walks the marker segments of the JPEG image starting at the
// beginning of p, up to and including the SOS segment.
func scanHeaders(p []byte) ([]segment, error) {
	if len(p) < 4 || p[0] != 0xff || p[1] != markerSOI {
		return nil, errMalformedJPEG
	}
	var segs []segment
	i := 2
	for {
		// Markers may be padded with any number of 0xff bytes.
		for i+1 < len(p) && p[i] == 0xff && p[i+1] == 0xff {
			i++
		}
		if i+4 > len(p) || p[i] != 0xff {
			return nil, errMalformedJPEG
		}
		m := p[i+1]
		if m == markerTEM || (m >= markerRST0 && m <= markerRST7) {
			i += 2
			continue
		}
		n := int(binary.BigEndian.Uint16(p[i+2:]))
		if n < 2 || i+2+n > len(p) {
			return nil, errMalformedJPEG
		}
		segs = append(segs, segment{Marker: m, Start: i, End: i + 2 + n})
		i += 2 + n
		if m == markerSOS {
			return segs, nil
		}
	}
}

// imageEnd returns the offset one past the EOI marker of the JPEG image at
// the start of p.
func imageEnd(p []byte) (int, error) {
	segs, err := scanHeaders(p)
	if err != nil {
		return 0, err
	}
	// Scan entropy-coded data. Stuffed zeros and restart markers are part of
	// the scan; any other marker ends it.
	i := segs[len(segs)-1].End
	for i+1 < len(p) {
		if p[i] != 0xff {
			i++
			continue
		}
		m := p[i+1]
		switch {
		case m == 0x00, m == 0xff, m >= markerRST0 && m <= markerRST7:
			i += 2
		case m == markerEOI:
			return i + 2, nil
		default:
			// Progressive and multi-scan images carry further segments.
			rest, err := scanTail(p, i)
			if err != nil {
				return 0, err
			}
			i = rest
		}
	}
	return 0, errMalformedJPEG
}

// scanTail skips a marker segment that follows a scan.
func scanTail(p []byte, i int) (int, error) {
	if i+4 > len(p) {
		return 0, errMalformedJPEG
	}
	n := int(binary.BigEndian.Uint16(p[i+2:]))
	if n < 2 || i+2+n > len(p) {
		return 0, errMalformedJPEG
	}
	return i + 2 + n, nil
}

// SplitJPEG splits a stream of concatenated JPEG images. Bytes between
// images are skipped.
func SplitJPEG(p []byte) ([][]byte, error) {
	var frames [][]byte
	for len(p) > 1 {
		start := -1
		for i := 0; i+1 < len(p); i++ {
			if p[i] == 0xff && p[i+1] == markerSOI {
				start = i
				break
			}
		}
		if start < 0 {
			break
		}
		n, err := imageEnd(p[start:])
		if err != nil {
			return frames, errors.Errorf("frame %d: %w", len(frames), err)
		}
		frames = append(frames, p[start:start+n])
		p = p[start+n:]
	}
	return frames, nil
}
