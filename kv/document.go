package kv

import (
	"encoding/json"
	"fmt"
)

// ExtractIndexValue pulls the named field out of a JSON record document and
// encodes it as an index foreign key. The second return is false when the
// document does not carry the field; such records simply have no entry in
// that index.
func ExtractIndexValue(doc []byte, field string) ([]byte, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, false, fmt.Errorf("decoding record document: %w", err)
	}

	raw, ok := fields[field]
	if !ok {
		return nil, false, nil
	}

	fk, err := EncodeIndexValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("encoding index value for field %q: %w", field, err)
	}

	return fk, true, nil
}
