// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
)

// groupLayers returns the group's non-VRT entries sorted ascending by
// resource id.
func (archiver *Archiver) groupLayers(groupMeta map[string]interface{}, group string) []resource.Meta {
	vrtID := archiver.vrtID(group)
	var layers []resource.Meta
	for id, entry := range groupMeta {
		if id == vrtID {
			continue
		}
		meta, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		layers = append(layers, resource.Meta(meta))
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID() < layers[j].ID() })
	return layers
}

// buildVRT renders the union layer manifest referencing every daily layer
// of the group.
func buildVRT(group string, layers []resource.Meta) ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("OGRVRTDataSource")
	union := root.CreateElement("OGRVRTUnionLayer")
	union.CreateAttr("name", group)
	for _, meta := range layers {
		layer := union.CreateElement("OGRVRTLayer")
		layer.CreateAttr("name", meta.ID())
		layer.CreateElement("SrcDataSource").SetText(meta.File())
	}
	doc.Indent(4)
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// rebuildVRT regenerates the group's union VRT from its current entries
// and uploads it. When the group holds no daily layers anymore the VRT
// entry is deleted instead.
func (archiver *Archiver) rebuildVRT(ctx context.Context, group, workFolder string, check bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	vrtID := archiver.vrtID(group)

	groupMeta, err := archiver.store.GroupMetadata(ctx, group)
	if err != nil {
		if resource.ErrNotFound.Has(err) {
			// group is gone entirely, nothing to union
			return nil
		}
		return err
	}
	layers := archiver.groupLayers(groupMeta, group)
	if len(layers) == 0 {
		archiver.log.Debug("group holds no layers, removing union vrt", zap.String("group", group))
		_, err = archiver.store.Delete(ctx, group, vrtID)
		return err
	}

	data, err := buildVRT(group, layers)
	if err != nil {
		return err
	}
	vrtFile := filepath.Join(workFolder, vrtID)
	if err := os.WriteFile(vrtFile, data, 0o644); err != nil {
		return Error.Wrap(err)
	}
	vrtMD5, err := codec.FileMD5(vrtFile)
	if err != nil {
		return err
	}

	var features int64
	for _, meta := range layers {
		features += meta.Int(resource.KeyFeatures)
	}
	meta := resource.Meta{
		resource.KeyResourceGroup: group,
		resource.KeyResourceID:    vrtID,
		resource.KeyResourceFile:  vrtID,
		resource.KeyFileMD5:       vrtMD5,
		resource.KeyFeatures:      features,
	}

	archiver.log.Debug("pushing union vrt",
		zap.String("group", group),
		zap.Int("layers", len(layers)),
		zap.Int64("features", features))
	if _, err := archiver.store.PushFile(ctx, vrtFile, meta, archiver.stamp(KeyUpdated)); err != nil {
		return err
	}

	if check {
		_, downloaded, err := archiver.store.Download(ctx, group, vrtID, filepath.Join(workFolder, "download_"+vrtID), true)
		if err != nil {
			return err
		}
		gotMD5, err := codec.FileMD5(downloaded)
		if err != nil {
			return err
		}
		if gotMD5 != vrtMD5 {
			return ErrIntegrity.New("uploaded vrt md5 %s does not match source md5 %s", gotMD5, vrtMD5)
		}
	}
	return nil
}
