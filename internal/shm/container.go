package shm

import (
	"encoding/json"
	"fmt"
)

// container is a single typed value held by the server, tagged so that a
// mismatched-type operation can be rejected with RCodeTypeError instead of
// relying on runtime reflection.
type container struct {
	typ ContainerType

	scalar any // string | float64 | bool, for STR/INT/FLOAT/BOOL
	set    map[string]json.RawMessage // canonical-JSON -> value, for SET
	list   []json.RawMessage          // for LIST
	dict   map[string]json.RawMessage // for DICT
}

func newContainer(typ ContainerType, initial json.RawMessage) (*container, error) {
	c := &container{typ: typ}
	switch typ {
	case TypeStr, TypeInt, TypeFloat, TypeBool:
		if len(initial) == 0 {
			switch typ {
			case TypeStr:
				c.scalar = ""
			case TypeInt, TypeFloat:
				c.scalar = float64(0)
			case TypeBool:
				c.scalar = false
			}
			return c, nil
		}
		v, err := decodeScalar(typ, initial)
		if err != nil {
			return nil, err
		}
		c.scalar = v
	case TypeSet:
		c.set = make(map[string]json.RawMessage)
		if len(initial) != 0 {
			var vs []json.RawMessage
			if err := json.Unmarshal(initial, &vs); err != nil {
				return nil, errTypeMismatch
			}
			for _, v := range vs {
				c.set[string(v)] = v
			}
		}
	case TypeList:
		c.list = []json.RawMessage{}
		if len(initial) != 0 {
			if err := json.Unmarshal(initial, &c.list); err != nil {
				return nil, errTypeMismatch
			}
		}
	case TypeDict:
		c.dict = make(map[string]json.RawMessage)
		if len(initial) != 0 {
			if err := json.Unmarshal(initial, &c.dict); err != nil {
				return nil, errTypeMismatch
			}
		}
	default:
		return nil, fmt.Errorf("unknown container type %q", typ)
	}
	return c, nil
}

func decodeScalar(typ ContainerType, raw json.RawMessage) (any, error) {
	switch typ {
	case TypeStr:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errTypeMismatch
		}
		return v, nil
	case TypeInt, TypeFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errTypeMismatch
		}
		return v, nil
	case TypeBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errTypeMismatch
		}
		return v, nil
	default:
		return nil, errTypeMismatch
	}
}

var errTypeMismatch = fmt.Errorf("value does not match container type")

func (c *container) read() (json.RawMessage, error) {
	switch c.typ {
	case TypeStr, TypeInt, TypeFloat, TypeBool:
		return json.Marshal(c.scalar)
	case TypeSet:
		vs := make([]json.RawMessage, 0, len(c.set))
		for _, v := range c.set {
			vs = append(vs, v)
		}
		return json.Marshal(vs)
	case TypeList:
		return json.Marshal(c.list)
	case TypeDict:
		return json.Marshal(c.dict)
	default:
		return nil, errTypeMismatch
	}
}

func (c *container) setScalar(raw json.RawMessage) error {
	switch c.typ {
	case TypeStr, TypeInt, TypeFloat, TypeBool:
		v, err := decodeScalar(c.typ, raw)
		if err != nil {
			return err
		}
		c.scalar = v
		return nil
	default:
		return errTypeMismatch
	}
}

func (c *container) add(raw json.RawMessage) error {
	switch c.typ {
	case TypeSet:
		c.set[string(raw)] = raw
		return nil
	case TypeList:
		c.list = append(c.list, raw)
		return nil
	case TypeDict:
		var kv struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &kv); err != nil {
			return errTypeMismatch
		}
		c.dict[kv.Key] = kv.Value
		return nil
	default:
		return errTypeMismatch
	}
}

func (c *container) get(valueKey string) (json.RawMessage, bool, error) {
	if c.typ != TypeDict {
		return nil, false, errTypeMismatch
	}
	v, ok := c.dict[valueKey]
	return v, ok, nil
}

func (c *container) remove(raw json.RawMessage) error {
	switch c.typ {
	case TypeSet:
		delete(c.set, string(raw))
		return nil
	case TypeList:
		for i, v := range c.list {
			if string(v) == string(raw) {
				c.list = append(c.list[:i], c.list[i+1:]...)
				break
			}
		}
		return nil
	case TypeDict:
		var key string
		if err := json.Unmarshal(raw, &key); err != nil {
			return errTypeMismatch
		}
		delete(c.dict, key)
		return nil
	default:
		return errTypeMismatch
	}
}
