package venue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeOrderIntent produces a deterministic byte encoding of an order
// intent. Field order is fixed so the same intent always encodes to the
// same bytes; the encoding is recorded alongside order logs and hashed
// into fingerprints for dedup.
func EncodeOrderIntent(venueName string, order Order) ([]byte, error) {
	if venueName == "" {
		return nil, errors.New("venue name is required")
	}
	if order.Symbol == "" {
		return nil, errors.New("order symbol is required")
	}
	if !order.Side.Valid() {
		return nil, errors.New("order side is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(8); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("v"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(venueName); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("sym"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(order.Symbol); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("b"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(order.Side == SideBuy); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("p"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(formatWireFloat(order.Price)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("s"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(formatWireFloat(order.Size)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("r"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(order.ReduceOnly); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("tif"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(string(order.Tif)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("ci"); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(order.ClientIndex); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OrderFingerprint hashes the deterministic intent encoding into a
// short hex identity.
func OrderFingerprint(venueName string, order Order) (string, error) {
	data, err := EncodeOrderIntent(venueName, order)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func formatWireFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
