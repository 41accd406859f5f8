// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package trackdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSafeTableName(t *testing.T) {
	for layer, want := range map[string]string{
		"loggedpoint2020-05-01":   "loggedpoint2020_05_01",
		"'quoted layer'":          "quoted_layer",
		"  spaced  ":              "spaced",
		"already_safe":            "already_safe",
		"a--b..c":                 "a_b_c",
		"loggedpoint2020-05.gpkg": "loggedpoint2020_05_gpkg",
	} {
		require.Equal(t, want, SafeTableName(layer), layer)
	}
}

const ogrinfoSample = `INFO: Open of ` + "`" + `/tmp/loggedpoint.gpkg'
      using driver ` + "`" + `GPKG' successful.

Layer name: loggedpoint2020-05-01
Geometry: Point
Feature Count: 42
Extent: (115.100000, -35.000000) - (129.000000, -13.500000)
Layer SRS WKT:
    GEOGCS["WGS 84"]
FID Column = fid
Geometry Column = geom
id: Integer64 (0.0)
heading: Real (0.0)
message: String (0.0)

Layer name: second_layer
Geometry: Unknown (any)
Feature Count: 7
`

func TestParseLayerInfo(t *testing.T) {
	layers := parseLayerInfo(ogrinfoSample)
	require.Len(t, layers, 2)

	first := layers[0]
	require.Equal(t, "loggedpoint2020-05-01", first.Layer)
	require.Equal(t, "POINT", first.Geometry)
	require.Equal(t, int64(42), first.Features)
	require.Equal(t, []float64{115.1, -35, 129, -13.5}, first.Extent)
	require.Equal(t, "fid", first.FIDColumn)
	require.Equal(t, "geom", first.GeometryColumn)
	require.Equal(t, []LayerField{
		{Name: "id", Type: "Integer64", Width: "0", Precision: "0"},
		{Name: "heading", Type: "Real", Width: "0", Precision: "0"},
		{Name: "message", Type: "String", Width: "0", Precision: "0"},
	}, first.Fields)

	second := layers[1]
	require.Equal(t, "second_layer", second.Layer)
	require.Equal(t, int64(7), second.Features)
}

func TestSplitInfoLine(t *testing.T) {
	key, value, ok := splitInfoLine("Feature Count: 42")
	require.True(t, ok)
	require.Equal(t, "Feature Count", key)
	require.Equal(t, "42", value)

	key, value, ok = splitInfoLine("FID Column = fid")
	require.True(t, ok)
	require.Equal(t, "FID Column", key)
	require.Equal(t, "fid", value)

	// indented lines are continuations
	_, _, ok = splitInfoLine("    GEOGCS[\"WGS 84\"]")
	require.False(t, ok)
	_, _, ok = splitInfoLine("")
	require.False(t, ok)
	_, _, ok = splitInfoLine("no separator here")
	require.False(t, ok)
}

func TestLayerMetadataCommand(t *testing.T) {
	var gotName string
	var gotArgs []string
	db := &DB{
		log: zaptest.NewLogger(t),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotName = name
			gotArgs = args
			return []byte(ogrinfoSample), nil
		},
	}

	layers, err := db.LayerMetadata(context.Background(), "/tmp/loggedpoint.gpkg", "loggedpoint2020-05-01")
	require.NoError(t, err)
	require.Len(t, layers, 2)
	require.Equal(t, "ogrinfo", gotName)
	require.Equal(t, []string{"-al", "-so", "-ro", "/tmp/loggedpoint.gpkg", "loggedpoint2020-05-01"}, gotArgs)

	// without a layer the datasource is inspected as a whole
	_, err = db.LayerMetadata(context.Background(), "/tmp/loggedpoint.gpkg", "")
	require.NoError(t, err)
	require.Equal(t, []string{"-al", "-so", "-ro", "/tmp/loggedpoint.gpkg"}, gotArgs)
}
