// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package trackdb

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// ErrExport is returned when the spatial export fails or the exported
	// feature count does not match the source row count.
	ErrExport = errs.Class("spatial export failed")
	// ErrImport is the import side counterpart of ErrExport.
	ErrImport = errs.Class("spatial import failed")
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	// arguments are passed as a vector, never through a shell
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, errs.New("%s failed: %v: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return output, errs.Wrap(err)
	}
	return output, nil
}

// LayerField describes one attribute column of a spatial layer.
type LayerField struct {
	Name      string
	Type      string
	Width     string
	Precision string
}

// LayerInfo is the metadata of one layer in a spatial datasource.
type LayerInfo struct {
	Layer          string
	Geometry       string
	Features       int64
	Extent         []float64
	FIDColumn      string
	GeometryColumn string
	Fields         []LayerField
}

// ExportOptions tune ExportSpatialData.
type ExportOptions struct {
	// Filename receives the export; when empty a temporary file with
	// FileExt is created.
	Filename string
	// FileExt is the extension for generated file names, e.g. ".gpkg".
	FileExt string
	// Layer names the exported layer.
	Layer string
}

// ImportOptions tune ImportSpatialData.
type ImportOptions struct {
	// Layer restricts the import to one layer of the datasource.
	Layer string
	// Table overrides the derived destination table name.
	Table string
	// Overwrite drops an existing destination table first.
	Overwrite bool
}

// ExportSpatialData exports the rows selected by query into a spatial file
// and verifies the exported feature count against the source row count.
// It returns nil layer info when the query matches no rows.
func (db *DB) ExportSpatialData(ctx context.Context, query string, options ExportOptions) (_ *LayerInfo, _ string, err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := db.Count(ctx, query)
	if err != nil {
		return nil, "", err
	}
	if count == 0 {
		return nil, "", nil
	}

	filename := options.Filename
	if filename == "" {
		if options.FileExt == "" {
			return nil, "", ErrExport.New("either a file name or a file extension is required")
		}
		ext := options.FileExt
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		tmp, err := os.CreateTemp("", db.params.DBName+"_*"+ext)
		if err != nil {
			return nil, "", ErrExport.Wrap(err)
		}
		filename = tmp.Name()
		if err := tmp.Close(); err != nil {
			return nil, "", ErrExport.Wrap(err)
		}
	}

	args := []string{"-overwrite", "-preserve_fid", filename, db.params.OGRDataSource()}
	if options.Layer != "" {
		args = append(args, "-nln", options.Layer)
	}
	args = append(args, "-sql", query)

	db.log.Debug("exporting spatial data", zap.String("file", filename), zap.String("layer", options.Layer))
	if _, err := db.run(ctx, "ogr2ogr", args...); err != nil {
		return nil, "", ErrExport.Wrap(err)
	}

	layers, err := db.layers(ctx, filename, options.Layer)
	if err != nil {
		return nil, "", err
	}
	if len(layers) == 0 {
		return nil, "", ErrExport.New("no layer found in exported file %s", filename)
	}
	layer := layers[0]
	if layer.Features != count {
		return nil, "", ErrExport.New("only %d of %d features were exported to %s", layer.Features, count, filename)
	}
	db.log.Debug("exported spatial data", zap.String("file", filename), zap.Int64("features", count))
	return &layer, filename, nil
}

// ImportSpatialData loads a spatial file into the database and verifies the
// imported row count against the source feature count. It returns the
// destination table name.
func (db *DB) ImportSpatialData(ctx context.Context, filename string, options ImportOptions) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	layers, err := db.layers(ctx, filename, options.Layer)
	if err != nil {
		return "", err
	}
	if len(layers) == 0 {
		return "", ErrImport.New("no layer found in %s", filename)
	}
	if options.Layer == "" && len(layers) > 1 {
		return "", ErrImport.New("multiple layers found in %s, specify one", filename)
	}
	layer := layers[0]

	table := options.Table
	if table == "" {
		table = SafeTableName(layer.Layer)
	}

	args := []string{"-f", "PostgreSQL", db.params.OGRDataSource(), filename, "-nln", table}
	if options.Layer != "" {
		args = append(args, options.Layer)
	}
	if options.Overwrite {
		args = append(args, "-overwrite")
	}

	db.log.Debug("importing spatial data", zap.String("file", filename), zap.String("table", table))
	if _, err := db.run(ctx, "ogr2ogr", args...); err != nil {
		return "", ErrImport.Wrap(err)
	}

	count, err := db.Count(ctx, table)
	if err != nil {
		return "", err
	}
	if count != layer.Features {
		return "", ErrImport.New("only %d of %d features were imported into %s", count, layer.Features, table)
	}
	db.log.Debug("imported spatial data", zap.String("table", table), zap.Int64("features", count))
	return table, nil
}

var (
	edgeNonAlnumRE = regexp.MustCompile(`^[^A-Za-z0-9]+|[^A-Za-z0-9]+$`)
	runNonAlnumRE  = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// SafeTableName derives a table name from a layer name: leading and
// trailing non-alphanumerics are stripped, inner runs become underscores.
func SafeTableName(layer string) string {
	trimmed := edgeNonAlnumRE.ReplaceAllString(layer, "")
	return runNonAlnumRE.ReplaceAllString(trimmed, "_")
}

// LayerMetadata reads layer metadata from a spatial datasource.
func (db *DB) LayerMetadata(ctx context.Context, datasource, layer string) (_ []LayerInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.layers(ctx, datasource, layer)
}

// layers reads layer metadata from a spatial datasource with ogrinfo.
func (db *DB) layers(ctx context.Context, datasource, layer string) ([]LayerInfo, error) {
	args := []string{"-al", "-so", "-ro", datasource}
	if layer != "" {
		args = append(args, layer)
	}
	output, err := db.run(ctx, "ogrinfo", args...)
	if err != nil {
		return nil, Error.New("failed to inspect %s: %v", filepath.Base(datasource), err)
	}
	return parseLayerInfo(string(output)), nil
}

var extentRE = regexp.MustCompile(`\(\s*(-?[0-9.]+)\s*,\s*(-?[0-9.]+)\s*\)\s*-\s*\(\s*(-?[0-9.]+)\s*,\s*(-?[0-9.]+)\s*\)`)

// parseLayerInfo extracts per-layer metadata from ogrinfo summary output.
func parseLayerInfo(output string) []LayerInfo {
	var layers []LayerInfo
	var current *LayerInfo

	flush := func() {
		if current != nil {
			layers = append(layers, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, ok := splitInfoLine(line)
		if !ok {
			continue
		}
		if strings.EqualFold(key, "Layer name") {
			flush()
			current = &LayerInfo{Layer: value}
			continue
		}
		if current == nil {
			continue
		}
		switch strings.ToLower(key) {
		case "geometry":
			current.Geometry = strings.ToUpper(strings.ReplaceAll(value, " ", ""))
		case "feature count":
			n, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				current.Features = n
			}
		case "extent":
			if m := extentRE.FindStringSubmatch(value); m != nil {
				extent := make([]float64, 0, 4)
				for _, s := range m[1:] {
					f, err := strconv.ParseFloat(s, 64)
					if err != nil {
						extent = nil
						break
					}
					extent = append(extent, f)
				}
				current.Extent = extent
			}
		case "fid column":
			current.FIDColumn = value
		case "geometry column":
			current.GeometryColumn = value
		case "info", "metadata", "layer srs wkt", "ogrinfo":
			// noise in the summary output
		default:
			if field, ok := parseFieldLine(key, value); ok {
				current.Fields = append(current.Fields, field)
			}
		}
	}
	flush()
	return layers
}

// splitInfoLine splits "Key: value" or "Key = value" lines. Indented lines
// are continuations and are skipped.
func splitInfoLine(line string) (key, value string, ok bool) {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return "", "", false
	}
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

var fieldRE = regexp.MustCompile(`^([a-zA-Z0-9]+)\s*(?:\(\s*([0-9]+)\.([0-9]+)\))?$`)

func parseFieldLine(key, value string) (LayerField, bool) {
	m := fieldRE.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return LayerField{}, false
	}
	return LayerField{
		Name:      strings.ToLower(key),
		Type:      m[1],
		Width:     m[2],
		Precision: m[3],
	}, true
}
