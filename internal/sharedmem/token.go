package sharedmem

import (
	"errors"
	"fmt"
)

// ErrDtypeMismatch is returned when a token's dtype descriptor does not
// match the layout compiled into this process.
var ErrDtypeMismatch = errors.New("shm token dtype descriptor mismatch")

// Token identifies a shared buffer across process boundaries. It is the
// payload carried inside init_msg[symbol]["shm_token"].
type Token struct {
	// Key names the segment file under the shm directory.
	Key string `json:"key"`

	// DtypeDescr is the ordered (field, code) layout of one record.
	DtypeDescr [][2]string `json:"dtype_descr"`

	// Size is the buffer capacity in records.
	Size int64 `json:"size"`
}

// NormalizeToken canonicalizes a token that round-tripped through a message
// layer. JSON (like most IPC codecs) cannot carry tuples natively, so the
// descriptor may arrive as generic nested lists; this rebuilds it as pairs
// so tokens compare equal on both sides.
func NormalizeToken(raw map[string]any) (Token, error) {
	var tok Token

	key, _ := raw["key"].(string)
	if key == "" {
		return tok, errors.New("shm token missing key")
	}
	tok.Key = key

	switch size := raw["size"].(type) {
	case float64:
		tok.Size = int64(size)
	case int64:
		tok.Size = size
	case int:
		tok.Size = int64(size)
	default:
		return tok, errors.New("shm token missing size")
	}

	descr, ok := raw["dtype_descr"].([]any)
	if !ok {
		return tok, errors.New("shm token missing dtype_descr")
	}
	for _, entry := range descr {
		pair, ok := entry.([]any)
		if !ok || len(pair) != 2 {
			return tok, fmt.Errorf("malformed dtype entry: %v", entry)
		}
		name, nok := pair[0].(string)
		code, cok := pair[1].(string)
		if !nok || !cok {
			return tok, fmt.Errorf("malformed dtype entry: %v", entry)
		}
		tok.DtypeDescr = append(tok.DtypeDescr, [2]string{name, code})
	}

	return tok, nil
}

// Equal reports whether two tokens describe the same buffer.
func (t Token) Equal(o Token) bool {
	if t.Key != o.Key || t.Size != o.Size {
		return false
	}
	if len(t.DtypeDescr) != len(o.DtypeDescr) {
		return false
	}
	for i := range t.DtypeDescr {
		if t.DtypeDescr[i] != o.DtypeDescr[i] {
			return false
		}
	}
	return true
}

func (t Token) validateDtype() error {
	want := BaseOHLCVDescr()
	if len(t.DtypeDescr) != len(want) {
		return ErrDtypeMismatch
	}
	for i := range want {
		if t.DtypeDescr[i] != want[i] {
			return ErrDtypeMismatch
		}
	}
	return nil
}
