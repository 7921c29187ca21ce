package instagram

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// flexString takes a JSON string or number. The gateway sends ids and
// timestamps either way depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if _, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*f = flexString(b)
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*f = flexString(strconv.FormatInt(int64(v), 10))
	return nil
}

func (r *RawItem) UnmarshalJSON(b []byte) error {
	type plain RawItem
	var aux struct {
		plain
		PK      flexString `json:"pk"`
		TakenAt flexString `json:"taken_at,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = RawItem(aux.plain)
	r.PK = string(aux.PK)
	r.TakenAt = string(aux.TakenAt)
	return nil
}

// decodeItems decodes a JSON array element by element. An element that
// fails keeps its slot as a placeholder carrying DecodeErr, so one bad
// record does not cost the whole page.
func decodeItems(data []byte) ([]RawItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	out := make([]RawItem, 0, len(elems))
	for _, e := range elems {
		var it RawItem
		if err := json.Unmarshal(e, &it); err != nil {
			out = append(out, placeholder(e, err))
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func placeholder(elem []byte, err error) RawItem {
	var head struct {
		PK          flexString      `json:"pk"`
		ProductType json.RawMessage `json:"product_type"`
	}
	it := RawItem{DecodeErr: err.Error()}
	if json.Unmarshal(elem, &head) == nil {
		it.PK = string(head.PK)
		var pt string
		if json.Unmarshal(head.ProductType, &pt) == nil {
			it.ProductType = pt
		}
	}
	return it
}
