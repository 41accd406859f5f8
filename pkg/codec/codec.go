// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package codec encodes and decodes JSON documents with tagged temporal
// values, so that datetimes survive a round trip through blob storage in
// the configured time zone.
package codec

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/zeebo/errs"
)

// Error is the codec error class.
var Error = errs.Class("codec error")

const (
	// TypeKey tags a JSON object as an encoded temporal value.
	TypeKey  = "_type"
	valueKey = "value"

	datetimeType = "datetime"
	dateType     = "date"

	datetimeLayout = "2006-01-02 15:04:05.000000"
	dateLayout     = "2006-01-02"
)

// Codec encodes values to JSON and back. Instants are converted to the
// codec's location on encode and restored in it on decode. Unknown _type
// tags pass through untouched.
type Codec struct {
	loc *time.Location
}

// New creates a codec bound to the given location.
func New(loc *time.Location) *Codec {
	if loc == nil {
		loc = time.Local
	}
	return &Codec{loc: loc}
}

// Location returns the codec's time location.
func (codec *Codec) Location() *time.Location { return codec.loc }

// Encode serializes v to JSON with temporal values tagged.
func (codec *Codec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(codec.encode(v))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// EncodeIndent is Encode with human readable indentation.
func (codec *Codec) EncodeIndent(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(codec.encode(v), "", "    ")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Decode parses JSON produced by Encode, restoring tagged temporal values.
func (codec *Codec) Decode(data []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Error.Wrap(err)
	}
	return codec.decode(raw)
}

// DecodeMap decodes data and requires the top level value to be an object.
func (codec *Codec) DecodeMap(data []byte) (map[string]interface{}, error) {
	decoded, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	doc, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, Error.New("expected a JSON object, got %T", decoded)
	}
	return doc, nil
}

func (codec *Codec) encode(v interface{}) interface{} {
	switch v := v.(type) {
	case time.Time:
		return map[string]interface{}{
			TypeKey:  datetimeType,
			valueKey: v.In(codec.loc).Format(datetimeLayout),
		}
	case Date:
		return map[string]interface{}{
			TypeKey:  dateType,
			valueKey: v.String(),
		}
	case map[string]interface{}:
		encoded := make(map[string]interface{}, len(v))
		for key, value := range v {
			encoded[key] = codec.encode(value)
		}
		return encoded
	case []interface{}:
		encoded := make([]interface{}, len(v))
		for i, value := range v {
			encoded[i] = codec.encode(value)
		}
		return encoded
	default:
		return v
	}
}

func (codec *Codec) decode(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[string]interface{}:
		if tag, ok := v[TypeKey].(string); ok {
			switch tag {
			case datetimeType:
				value, ok := v[valueKey].(string)
				if !ok {
					return nil, Error.New("datetime value missing")
				}
				t, err := time.ParseInLocation(datetimeLayout, value, codec.loc)
				if err != nil {
					return nil, Error.Wrap(err)
				}
				return t, nil
			case dateType:
				value, ok := v[valueKey].(string)
				if !ok {
					return nil, Error.New("date value missing")
				}
				d, err := ParseDate(value)
				if err != nil {
					return nil, err
				}
				return d, nil
			}
			// unknown _type tags pass through
		}
		decoded := make(map[string]interface{}, len(v))
		for key, value := range v {
			dv, err := codec.decode(value)
			if err != nil {
				return nil, err
			}
			decoded[key] = dv
		}
		return decoded, nil
	case []interface{}:
		decoded := make([]interface{}, len(v))
		for i, value := range v {
			dv, err := codec.decode(value)
			if err != nil {
				return nil, err
			}
			decoded[i] = dv
		}
		return decoded, nil
	default:
		return v, nil
	}
}

// FileMD5 returns the lowercase hex MD5 digest of the file contents.
func FileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
