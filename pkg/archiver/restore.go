// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/trackdb"
)

const (
	missingDeviceSQL = "INSERT INTO tracking_device (deviceid) " +
		"SELECT distinct a.deviceid FROM %s a " +
		"WHERE NOT EXISTS(SELECT 1 FROM tracking_device b WHERE a.deviceid = b.deviceid)"

	restoreWithIDSQL = "INSERT INTO tracking_loggedpoint (id,device_id,point,heading,velocity,altitude,seen,message,source_device_type,raw) " +
		"SELECT a.id,b.id,a.point,a.heading,a.velocity,a.altitude,to_timestamp(a.seen),a.message,a.source_device_type,a.raw " +
		"FROM %s a JOIN tracking_device b on a.deviceid = b.deviceid"

	restoreSQL = "INSERT INTO tracking_loggedpoint (device_id,point,heading,velocity,altitude,seen,message,source_device_type,raw) " +
		"SELECT b.id,a.point,a.heading,a.velocity,a.altitude,to_timestamp(a.seen),a.message,a.source_device_type,a.raw " +
		"FROM %s a JOIN tracking_device b on a.deviceid = b.deviceid"

	originTable = "tracking_loggedpoint"
)

// RestoreOptions tune a restore run.
type RestoreOptions struct {
	// RestoreToOriginTable moves the staged rows into the canonical
	// logged point table and drops the staging table.
	RestoreToOriginTable bool
	// PreserveID keeps the original logged point ids.
	PreserveID bool
}

// RestoreByDate downloads one daily archive and imports it back into the
// database.
func (archiver *Archiver) RestoreByDate(ctx context.Context, d codec.Date, options RestoreOptions) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !d.Before(archiver.today()) {
		return "", Error.New("can only restore logged points from before today")
	}
	group, id := archiver.group(d), archiver.id(d)
	archiver.log.Debug("begin restoring archived logged points",
		zap.String("group", group), zap.String("id", id))

	workFolder, err := os.MkdirTemp("", "restore_loggedpoint")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(workFolder))) }()

	meta, filename, err := archiver.store.Download(ctx, group, id, filepath.Join(workFolder, id+".gpkg"), true)
	if err != nil {
		return "", err
	}
	table, err := archiver.restoreData(ctx, filename, options)
	if err != nil {
		return "", err
	}
	archiver.log.Debug("end restoring archived logged points",
		zap.String("id", meta.ID()), zap.String("table", table))
	return table, nil
}

// RestoreByMonth downloads a whole group and imports it through the group
// VRT, presenting every daily layer as one union layer.
func (archiver *Archiver) RestoreByMonth(ctx context.Context, year int, month time.Month, options RestoreOptions) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	group := archiver.group(codec.NewDate(year, month, 1))
	archiver.log.Debug("begin restoring archived logged points", zap.String("group", group))

	workFolder, err := os.MkdirTemp("", "restore_loggedpoint")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(workFolder))) }()

	if _, _, err := archiver.store.DownloadGroup(ctx, group, workFolder, true); err != nil {
		return "", err
	}
	table, err := archiver.restoreData(ctx, filepath.Join(workFolder, archiver.vrtID(group)), options)
	if err != nil {
		return "", err
	}
	archiver.log.Debug("end restoring archived logged points",
		zap.String("group", group), zap.String("table", table))
	return table, nil
}

// restoreData imports a spatial file into a staging table and optionally
// moves the rows into the canonical table.
func (archiver *Archiver) restoreData(ctx context.Context, filename string, options RestoreOptions) (string, error) {
	imported, err := archiver.db.ImportSpatialData(ctx, filename, trackdb.ImportOptions{Overwrite: true})
	if err != nil {
		return "", err
	}
	if !options.RestoreToOriginTable {
		return imported, nil
	}

	rows, err := archiver.db.UpdateAutocommit(ctx, fmt.Sprintf(missingDeviceSQL, imported))
	if err != nil {
		return "", err
	}
	if rows > 0 {
		archiver.log.Debug("created missing devices from staging table",
			zap.String("table", imported), zap.Int64("devices", rows))
	}

	restore := restoreSQL
	if options.PreserveID {
		restore = restoreWithIDSQL
	}
	rows, err = archiver.db.UpdateAutocommit(ctx, fmt.Sprintf(restore, imported))
	if err != nil {
		return "", err
	}
	archiver.log.Debug("restored logged points into origin table",
		zap.String("staging", imported), zap.Int64("rows", rows))

	if err := archiver.db.ExecuteDDL(ctx, fmt.Sprintf("DROP TABLE %q", imported)); err != nil {
		archiver.log.Error("failed to drop staging table",
			zap.String("table", imported), zap.Error(err))
	}
	return originTable, nil
}
