// Package h264 holds helpers for H.264 network abstraction layer units.
package h264

import "fmt"

type NALU []byte

func (nalu NALU) ForbiddenBit() byte {
	return nalu[0] & 0x80 >> 7
}

func (nalu NALU) NRI() byte {
	return nalu[0] & 0x60 >> 5
}

func (nalu NALU) Type() Type {
	return Type(nalu[0] & 0x1f)
}

// Type is a nal_unit_type, ITU-T H.264 table 7-1.
type Type byte

const (
	TypeSlice   Type = 1
	TypeIDR     Type = 5
	TypeSEI     Type = 6
	TypeSPS     Type = 7
	TypePPS     Type = 8
	TypeAUD     Type = 9
	TypeEndSeq  Type = 10
	TypeEndStrm Type = 11
	TypeFiller  Type = 12
)

var typeNames = map[Type]string{
	TypeSlice:   "slice",
	TypeIDR:     "idr",
	TypeSEI:     "sei",
	TypeSPS:     "sps",
	TypePPS:     "pps",
	TypeAUD:     "aud",
	TypeEndSeq:  "end-seq",
	TypeEndStrm: "end-stream",
	TypeFiller:  "filler",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("nal%d", byte(t))
}

// Parameter sets and delimiters carry no picture data.
func (t Type) IsConfig() bool {
	return t == TypeSPS || t == TypePPS || t == TypeSEI || t == TypeAUD
}
