package tz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// zoneType is one local time type of a TZif file.
type zoneType struct {
	offset int // seconds east of UTC
	isDST  bool
	abbr   string
}

// transition switches to types[index] at the given unix second.
type transition struct {
	at    int64
	index int
}

var errNoZoneTypes = errors.New("tzif: no local time types")

// encodeTZif writes a version 2 TZif image. The version 1 block is left
// empty since readers of version 2 data skip it.
func encodeTZif(types []zoneType, trans []transition) ([]byte, error) {
	if len(types) == 0 {
		return nil, errNoZoneTypes
	}
	if len(types) > 255 {
		return nil, errors.New("tzif: too many local time types")
	}

	var chars bytes.Buffer
	abbrIdx := make(map[string]int, len(types))
	for _, t := range types {
		if _, ok := abbrIdx[t.abbr]; ok {
			continue
		}
		abbrIdx[t.abbr] = chars.Len()
		chars.WriteString(t.abbr)
		chars.WriteByte(0)
	}

	var buf bytes.Buffer
	writeHeader(&buf, [6]uint32{})
	writeHeader(&buf, [6]uint32{0, 0, 0, uint32(len(trans)), uint32(len(types)), uint32(chars.Len())})
	for _, tr := range trans {
		_ = binary.Write(&buf, binary.BigEndian, tr.at)
	}
	for _, tr := range trans {
		buf.WriteByte(byte(tr.index))
	}
	for _, t := range types {
		_ = binary.Write(&buf, binary.BigEndian, int32(t.offset))
		if t.isDST {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte(byte(abbrIdx[t.abbr]))
	}
	buf.Write(chars.Bytes())
	// empty footer: no POSIX rule, the last transition holds forever
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// writeHeader emits magic, version and the six counts in TZif order:
// isutcnt, isstdcnt, leapcnt, timecnt, typecnt, charcnt.
func writeHeader(buf *bytes.Buffer, counts [6]uint32) {
	buf.WriteString("TZif")
	buf.WriteByte('2')
	buf.Write(make([]byte, 15))
	for _, c := range counts {
		_ = binary.Write(buf, binary.BigEndian, c)
	}
}

// loadTZif compiles types and transitions into a named location.
func loadTZif(name string, types []zoneType, trans []transition) (*time.Location, error) {
	data, err := encodeTZif(types, trans)
	if err != nil {
		return nil, err
	}
	return time.LoadLocationFromTZData(name, data)
}
