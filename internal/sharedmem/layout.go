package sharedmem

import (
	"encoding/binary"
	"math"
)

// Segment header layout (64 bytes, little endian):
//
//	off  0  magic        uint64
//	off  8  version      uint32
//	off 12  record size  uint32
//	off 16  capacity     int64   (records)
//	off 24  first        int64   (read-start cursor)
//	off 32  last         int64   (one past the newest record)
//	off 40  reserved
const (
	segMagic   uint64 = 0x70696b_7368_6d01 // "pik shm" v1
	segVersion uint32 = 1

	headerSize = 64

	offMagic      = 0
	offVersion    = 8
	offRecordSize = 12
	offCapacity   = 16
	offFirst      = 24
	offLast       = 32
)

// OHLCV is one bar record in the shared buffer. All fields are fixed width
// so the layout is identical in every attached process.
type OHLCV struct {
	Index  int64   // absolute slot index within the buffer
	Time   int64   // bar start, epoch seconds
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// RecordSize is the encoded width of one OHLCV record.
const RecordSize = 7 * 8

// BaseOHLCVDescr returns the dtype descriptor for the OHLCV layout: ordered
// (field name, type code) pairs. Codes follow numpy convention: "i8" signed
// 64-bit int, "f8" 64-bit float.
func BaseOHLCVDescr() [][2]string {
	return [][2]string{
		{"index", "i8"},
		{"time", "i8"},
		{"open", "f8"},
		{"high", "f8"},
		{"low", "f8"},
		{"close", "f8"},
		{"volume", "f8"},
	}
}

func encodeRecord(dst []byte, r OHLCV) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(r.Index))
	binary.LittleEndian.PutUint64(dst[8:], uint64(r.Time))
	binary.LittleEndian.PutUint64(dst[16:], math.Float64bits(r.Open))
	binary.LittleEndian.PutUint64(dst[24:], math.Float64bits(r.High))
	binary.LittleEndian.PutUint64(dst[32:], math.Float64bits(r.Low))
	binary.LittleEndian.PutUint64(dst[40:], math.Float64bits(r.Close))
	binary.LittleEndian.PutUint64(dst[48:], math.Float64bits(r.Volume))
}

func decodeRecord(src []byte) OHLCV {
	return OHLCV{
		Index:  int64(binary.LittleEndian.Uint64(src[0:])),
		Time:   int64(binary.LittleEndian.Uint64(src[8:])),
		Open:   math.Float64frombits(binary.LittleEndian.Uint64(src[16:])),
		High:   math.Float64frombits(binary.LittleEndian.Uint64(src[24:])),
		Low:    math.Float64frombits(binary.LittleEndian.Uint64(src[32:])),
		Close:  math.Float64frombits(binary.LittleEndian.Uint64(src[40:])),
		Volume: math.Float64frombits(binary.LittleEndian.Uint64(src[48:])),
	}
}
