package timerqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// The redis queue keeps items as gob blobs in a hash next to a sorted set of
// ids scored by NotBefore.

func encodeItem(item Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&item); err != nil {
		return nil, fmt.Errorf("encode timer item %s: %w", item.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeItem(data []byte) (*Item, error) {
	item := new(Item)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(item); err != nil {
		return nil, fmt.Errorf("decode timer item: %w", err)
	}
	return item, nil
}
