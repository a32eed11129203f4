package rds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antonholmquist/jason"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/station"
)

// ParseLine decodes one decoder output line into a station update. Keys the
// decoder did not emit stay absent in the update.
func ParseLine(line []byte) (*station.Update, error) {
	obj, err := jason.NewObjectFromBytes(line)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decode rds line: %w", err)).
			Component("rds").
			Category(errors.CategoryFileParsing).
			Build()
	}

	u := &station.Update{}
	if s, err := obj.GetString("ps"); err == nil {
		u.PS = &s
	}
	if s, err := obj.GetString("radiotext"); err == nil {
		u.RadioText = &s
	}
	if s, err := obj.GetString("prog_type"); err == nil {
		u.ProgType = &s
	}
	if pi, ok := programID(obj); ok {
		u.PI = &pi
	}
	if b, err := obj.GetBoolean("tp"); err == nil {
		u.TP = &b
	}
	if b, err := obj.GetBoolean("ta"); err == nil {
		u.TA = &b
	}
	if freqs, err := obj.GetFloat64Array("alt_frequencies_a"); err == nil {
		u.AltFreqs = append([]float64{}, freqs...)
	}
	if di, err := obj.GetObject("di"); err == nil {
		u.HasDI = true
		if b, err := di.GetBoolean("stereo"); err == nil {
			u.Stereo = &b
		}
	}
	u.RTPlus = radioTextPlus(obj)

	return u, nil
}

// programID accepts both the "0x6201" string form and a bare number.
func programID(obj *jason.Object) (string, bool) {
	v, err := obj.GetValue("pi")
	if err != nil {
		return "", false
	}
	if s, err := v.String(); err == nil {
		return s, true
	}
	if n, err := v.Int64(); err == nil {
		return fmt.Sprintf("0x%04X", n), true
	}
	return "", false
}

// radioTextPlus returns the first non-empty RadioText Plus object under any
// known alias, flattened so tag content types become keys.
func radioTextPlus(obj *jason.Object) map[string]any {
	for _, key := range station.RTPlusKeys() {
		rt, err := obj.GetObject(key)
		if err != nil {
			continue
		}
		if flat := flattenRTPlus(rt); len(flat) > 0 {
			return flat
		}
	}
	return nil
}

// flattenRTPlus turns {"tags":[{"content-type":"item.title","data":"x"}]}
// into {"item_title":"x"} and keeps the other scalar members as they are.
func flattenRTPlus(rt *jason.Object) map[string]any {
	out := make(map[string]any)
	for k, v := range rt.Map() {
		if k == "tags" {
			continue
		}
		if val, ok := plainValue(v); ok {
			out[k] = val
		}
	}

	tags, err := rt.GetObjectArray("tags")
	if err != nil {
		return out
	}
	for _, tag := range tags {
		contentType, err := tag.GetString("content-type")
		if err != nil || contentType == "" {
			continue
		}
		data, err := tag.GetString("data")
		if err != nil {
			continue
		}
		out[strings.NewReplacer(".", "_", "-", "_").Replace(contentType)] = data
	}
	return out
}

// plainValue turns a jason value back into plain Go data, numbers as
// float64.
func plainValue(v *jason.Value) (any, bool) {
	raw, err := v.Marshal()
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return normalize(out), true
}

// normalize converts json.Number leaves to float64 so records compare equal
// after a round trip through the station file.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}
