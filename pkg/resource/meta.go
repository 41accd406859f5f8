// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package resource

import (
	"time"
)

// Well known metadata keys. Everything else in a Meta is user supplied and
// opaque to the storage layer.
const (
	KeyResourceID    = "resource_id"
	KeyResourceFile  = "resource_file"
	KeyResourceGroup = "resource_group"
	KeyResourcePath  = "resource_path"
	KeyPublishDate   = "publish_date"
	KeyFileMD5       = "file_md5"
	KeyFeatures      = "features"
	KeyLayer         = "layer"

	keyCurrent   = "current"
	keyHistories = "histories"

	// CurrentVersion names the live version of an archive entry.
	CurrentVersion = "current"
)

// Meta is the metadata attached to one version of a resource. Required
// fields live beside arbitrary user supplied key/values.
type Meta map[string]interface{}

// ID returns the resource id.
func (m Meta) ID() string { return m.String(KeyResourceID) }

// File returns the on-store file name of this version.
func (m Meta) File() string { return m.String(KeyResourceFile) }

// Group returns the resource group, empty for flat resources.
func (m Meta) Group() string { return m.String(KeyResourceGroup) }

// Path returns the blob path inside the container.
func (m Meta) Path() string { return m.String(KeyResourcePath) }

// PublishDate returns the upload timestamp.
func (m Meta) PublishDate() time.Time {
	t, _ := m.Time(KeyPublishDate)
	return t
}

// String returns the string value at key, or empty.
func (m Meta) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Time returns the time value at key.
func (m Meta) Time(key string) (time.Time, bool) {
	t, ok := m[key].(time.Time)
	return t, ok
}

// Int returns the integer value at key. Values decoded from JSON arrive as
// float64 and are truncated.
func (m Meta) Int(key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy of the metadata.
func (m Meta) Clone() Meta {
	clone := make(Meta, len(m))
	for key, value := range m {
		clone[key] = value
	}
	return clone
}

func asMeta(v interface{}) (Meta, bool) {
	switch v := v.(type) {
	case Meta:
		return v, true
	case map[string]interface{}:
		return Meta(v), true
	default:
		return nil, false
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch v := v.(type) {
	case map[string]interface{}:
		return v, true
	case Meta:
		return map[string]interface{}(v), true
	default:
		return nil, false
	}
}
