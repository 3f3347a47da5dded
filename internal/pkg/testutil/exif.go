package testutil

import (
	"bytes"
	"encoding/binary"
	"image"
	"testing"
)

// EXIF field types.
const (
	exifByte     = 1
	exifASCII    = 2
	exifShort    = 3
	exifLong     = 4
	exifRational = 5
)

// ExifFields describes the tags written by WriteJPEGWithExif. Zero values
// are omitted.
type ExifFields struct {
	Make         string
	Model        string
	Software     string
	Orientation  int
	DateTime     string // "2006:01:02 15:04:05"
	SerialNumber string
	// GPS is written when HasGPS is set. Coordinates are decimal degrees.
	HasGPS    bool
	Latitude  float64
	Longitude float64
	Altitude  float64
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag, exifASCII, uint32(len(b)), b}
}

func shortEntry(tag uint16, v uint16) ifdEntry {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return ifdEntry{tag, exifShort, 1, b}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return ifdEntry{tag, exifLong, 1, b}
}

func byteEntry(tag uint16, v byte) ifdEntry {
	return ifdEntry{tag, exifByte, 1, []byte{v}}
}

func rationalEntry(tag uint16, pairs ...[2]uint32) ifdEntry {
	b := make([]byte, 8*len(pairs))
	for i, p := range pairs {
		binary.LittleEndian.PutUint32(b[i*8:], p[0])
		binary.LittleEndian.PutUint32(b[i*8+4:], p[1])
	}
	return ifdEntry{tag, exifRational, uint32(len(pairs)), b}
}

func dms(tag uint16, v float64) ifdEntry {
	if v < 0 {
		v = -v
	}
	deg := uint32(v)
	minutesF := (v - float64(deg)) * 60
	minutes := uint32(minutesF)
	seconds := uint32((minutesF - float64(minutes)) * 60 * 10000)
	return rationalEntry(tag, [2]uint32{deg, 1}, [2]uint32{minutes, 1}, [2]uint32{seconds, 10000})
}

func ifdLen(entries []ifdEntry) int {
	n := 2 + 12*len(entries) + 4
	for _, e := range entries {
		if len(e.data) > 4 {
			n += len(e.data) + len(e.data)%2
		}
	}
	return n
}

func writeIFD(buf *bytes.Buffer, entries []ifdEntry, offset int) {
	le := binary.LittleEndian
	dataOff := offset + 2 + 12*len(entries) + 4
	var data bytes.Buffer

	tmp := make([]byte, 4)
	le.PutUint16(tmp, uint16(len(entries)))
	buf.Write(tmp[:2])
	for _, e := range entries {
		le.PutUint16(tmp, e.tag)
		buf.Write(tmp[:2])
		le.PutUint16(tmp, e.typ)
		buf.Write(tmp[:2])
		le.PutUint32(tmp, e.count)
		buf.Write(tmp)
		if len(e.data) <= 4 {
			val := make([]byte, 4)
			copy(val, e.data)
			buf.Write(val)
			continue
		}
		le.PutUint32(tmp, uint32(dataOff+data.Len()))
		buf.Write(tmp)
		data.Write(e.data)
		if len(e.data)%2 == 1 {
			data.WriteByte(0)
		}
	}
	le.PutUint32(tmp, 0)
	buf.Write(tmp)
	buf.Write(data.Bytes())
}

// ExifSegment builds a little-endian TIFF structure holding fields.
func ExifSegment(fields ExifFields) []byte {
	var ifd0, exifIFD, gpsIFD []ifdEntry
	if fields.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, fields.Make))
	}
	if fields.Model != "" {
		ifd0 = append(ifd0, asciiEntry(0x0110, fields.Model))
	}
	if fields.Orientation > 0 {
		ifd0 = append(ifd0, shortEntry(0x0112, uint16(fields.Orientation)))
	}
	if fields.Software != "" {
		ifd0 = append(ifd0, asciiEntry(0x0131, fields.Software))
	}
	if fields.DateTime != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, fields.DateTime))
	}
	if fields.SerialNumber != "" {
		exifIFD = append(exifIFD, asciiEntry(0xA431, fields.SerialNumber))
	}
	if fields.HasGPS {
		latRef, lonRef := "N", "E"
		if fields.Latitude < 0 {
			latRef = "S"
		}
		if fields.Longitude < 0 {
			lonRef = "W"
		}
		gpsIFD = append(gpsIFD,
			asciiEntry(0x0001, latRef),
			dms(0x0002, fields.Latitude),
			asciiEntry(0x0003, lonRef),
			dms(0x0004, fields.Longitude),
			byteEntry(0x0005, 0),
			rationalEntry(0x0006, [2]uint32{uint32(fields.Altitude * 100), 100}),
		)
	}

	// pointer entries are patched once the layout is known
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8769, 0))
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8825, 0))
	}

	exifOff := 8 + ifdLen(ifd0)
	gpsOff := exifOff
	if len(exifIFD) > 0 {
		gpsOff += ifdLen(exifIFD)
	}
	for i := range ifd0 {
		switch ifd0[i].tag {
		case 0x8769:
			ifd0[i] = longEntry(0x8769, uint32(exifOff))
		case 0x8825:
			ifd0[i] = longEntry(0x8825, uint32(gpsOff))
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II*\x00")
	buf.Write([]byte{8, 0, 0, 0})
	writeIFD(&buf, ifd0, 8)
	if len(exifIFD) > 0 {
		writeIFD(&buf, exifIFD, exifOff)
	}
	if len(gpsIFD) > 0 {
		writeIFD(&buf, gpsIFD, gpsOff)
	}
	return buf.Bytes()
}

// JPEGWithExif encodes img and inserts an APP1 EXIF segment after SOI.
func JPEGWithExif(t testing.TB, img image.Image, quality int, fields ExifFields) []byte {
	t.Helper()
	raw := EncodeJPEG(t, img, quality)

	payload := append([]byte("Exif\x00\x00"), ExifSegment(fields)...)
	segLen := len(payload) + 2

	var out bytes.Buffer
	out.Write(raw[:2])
	out.Write([]byte{0xFF, 0xE1, byte(segLen >> 8), byte(segLen)})
	out.Write(payload)
	out.Write(raw[2:])
	return out.Bytes()
}

// WriteJPEGWithExif writes a JPEG carrying fields to dir/name.
func WriteJPEGWithExif(t testing.TB, dir, name string, img image.Image, quality int, fields ExifFields) string {
	t.Helper()
	return WriteFile(t, dir, name, JPEGWithExif(t, img, quality, fields))
}
