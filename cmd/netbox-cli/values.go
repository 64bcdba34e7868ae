package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pior/netbox"
	"github.com/pior/netbox/iproto"
)

var iterators = map[string]iproto.Iterator{
	"eq":  netbox.IterEq,
	"req": netbox.IterReq,
	"all": netbox.IterAll,
	"lt":  netbox.IterLt,
	"le":  netbox.IterLe,
	"ge":  netbox.IterGe,
	"gt":  netbox.IterGt,
}

func parseIterator(name string) (iproto.Iterator, error) {
	it, ok := iterators[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown iterator %q", name)
	}
	return it, nil
}

// parseValues turns command line arguments into request arguments.
// JSON values keep their type, integers stay integers, anything else is a
// string.
func parseValues(args []string) []any {
	values := make([]any, 0, len(args))
	for _, arg := range args {
		values = append(values, parseValue(arg))
	}
	return values
}

func parseValue(arg string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(arg)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return arg
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}

// parseID returns a numeric id when s is one, the name otherwise.
func parseID(s string) any {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(id)
	}
	return s
}
