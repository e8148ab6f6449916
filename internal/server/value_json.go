package server

import (
	"encoding/json"
	"fmt"

	"github.com/zumicdb/zumic/internal/zdb"
)

// jsonValue is the wire shape of a value on the HTTP surface.
type jsonValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type jsonZSetEntry struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// encodeValue renders v for HTTP responses.
func encodeValue(v zdb.Value) (jsonValue, error) {
	switch v.Kind {
	case zdb.KindNull:
		return jsonValue{Type: "null"}, nil
	case zdb.KindBool:
		return marshalAs("bool", v.Bool)
	case zdb.KindInt:
		return marshalAs("int", v.Int)
	case zdb.KindFloat:
		return marshalAs("float", v.Float)
	case zdb.KindStr:
		return marshalAs("str", string(v.Str))
	case zdb.KindList:
		items := make([]string, len(v.List))
		for i, it := range v.List {
			items[i] = string(it)
		}
		return marshalAs("list", items)
	case zdb.KindHash:
		m := make(map[string]string, len(v.Hash))
		for k, val := range v.Hash {
			m[k] = string(val)
		}
		return marshalAs("hash", m)
	case zdb.KindSet:
		members := make([]string, 0, len(v.Set))
		for m := range v.Set {
			members = append(members, m)
		}
		return marshalAs("set", members)
	case zdb.KindZSet:
		entries := make([]jsonZSetEntry, len(v.ZSet))
		for i, e := range v.ZSet {
			entries[i] = jsonZSetEntry{Member: e.Member, Score: e.Score}
		}
		return marshalAs("zset", entries)
	case zdb.KindArray:
		items := make([]jsonValue, len(v.Array))
		for i, it := range v.Array {
			jv, err := encodeValue(it)
			if err != nil {
				return jsonValue{}, err
			}
			items[i] = jv
		}
		return marshalAs("array", items)
	}
	return jsonValue{}, fmt.Errorf("value kind %d has no JSON form", v.Kind)
}

func marshalAs(typ string, v any) (jsonValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return jsonValue{}, err
	}
	return jsonValue{Type: typ, Value: raw}, nil
}

// decodeValue parses a request body value.
func decodeValue(jv jsonValue) (zdb.Value, error) {
	switch jv.Type {
	case "null":
		return zdb.Null(), nil
	case "bool":
		var b bool
		if err := json.Unmarshal(jv.Value, &b); err != nil {
			return zdb.Value{}, err
		}
		return zdb.BoolValue(b), nil
	case "int":
		var i int64
		if err := json.Unmarshal(jv.Value, &i); err != nil {
			return zdb.Value{}, err
		}
		return zdb.IntValue(i), nil
	case "float":
		var f float64
		if err := json.Unmarshal(jv.Value, &f); err != nil {
			return zdb.Value{}, err
		}
		return zdb.FloatValue(f), nil
	case "str":
		var s string
		if err := json.Unmarshal(jv.Value, &s); err != nil {
			return zdb.Value{}, err
		}
		return zdb.StrValue([]byte(s)), nil
	case "list":
		var items []string
		if err := json.Unmarshal(jv.Value, &items); err != nil {
			return zdb.Value{}, err
		}
		list := make([][]byte, len(items))
		for i, it := range items {
			list[i] = []byte(it)
		}
		return zdb.Value{Kind: zdb.KindList, List: list}, nil
	case "hash":
		var m map[string]string
		if err := json.Unmarshal(jv.Value, &m); err != nil {
			return zdb.Value{}, err
		}
		h := make(map[string][]byte, len(m))
		for k, val := range m {
			h[k] = []byte(val)
		}
		return zdb.Value{Kind: zdb.KindHash, Hash: h}, nil
	case "set":
		var members []string
		if err := json.Unmarshal(jv.Value, &members); err != nil {
			return zdb.Value{}, err
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		return zdb.Value{Kind: zdb.KindSet, Set: set}, nil
	case "zset":
		var entries []jsonZSetEntry
		if err := json.Unmarshal(jv.Value, &entries); err != nil {
			return zdb.Value{}, err
		}
		zs := make([]zdb.ZSetEntry, len(entries))
		for i, e := range entries {
			zs[i] = zdb.ZSetEntry{Member: e.Member, Score: e.Score}
		}
		return zdb.Value{Kind: zdb.KindZSet, ZSet: zs}, nil
	case "array":
		var items []jsonValue
		if err := json.Unmarshal(jv.Value, &items); err != nil {
			return zdb.Value{}, err
		}
		arr := make([]zdb.Value, len(items))
		for i, it := range items {
			v, err := decodeValue(it)
			if err != nil {
				return zdb.Value{}, err
			}
			arr[i] = v
		}
		return zdb.Value{Kind: zdb.KindArray, Array: arr}, nil
	}
	return zdb.Value{}, fmt.Errorf("unknown value type %q", jv.Type)
}
