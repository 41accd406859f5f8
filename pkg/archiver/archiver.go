// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package archiver moves daily windows of logged points out of the
// tracking database into the resource storage layer, and keeps a union VRT
// per month so consumers can read a whole group as a single virtual layer.
package archiver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/trackdb"
)

var (
	mon = monkit.Package()

	// Error is the archiver error class.
	Error = errs.Class("archiver error")
	// ErrIntegrity is returned when a round-trip verification finds an
	// md5 or feature count mismatch.
	ErrIntegrity = errs.Class("integrity check failed")
	// ErrWorkingHours refuses continuous archiving inside working hours.
	ErrWorkingHours = errs.Class("working hours guard")
	// ErrDeleteDisabled gates destructive operations.
	ErrDeleteDisabled = errs.Class("archive delete disabled")
)

const (
	earliestSeenSQL = "SELECT min(seen) FROM tracking_loggedpoint"

	archiveSQL = "SELECT a.id,a.point,a.heading,a.velocity,a.altitude,a.message,a.source_device_type,a.raw," +
		"extract(epoch from a.seen)::bigint as seen,b.deviceid,b.registration " +
		"FROM tracking_loggedpoint a JOIN tracking_device b ON a.device_id = b.id " +
		"WHERE a.seen >= '%s' AND a.seen < '%s'"

	deleteSQL = "DELETE FROM tracking_loggedpoint WHERE seen >= '%s' AND seen < '%s'"

	datetimePattern = "2006-01-02 15:04:05 MST"
)

// Metadata keys stamped on archive uploads.
const (
	KeyStartArchive     = "start_archive"
	KeyEndArchive       = "end_archive"
	KeyStartArchiveDate = "start_archive_date"
	KeyEndArchiveDate   = "end_archive_date"
	KeyUpdated          = "updated"
)

// Config carries the archiver's environment driven settings.
type Config struct {
	// ActiveDays is the retention window before archival.
	ActiveDays int
	// DeleteDisabled gates every destructive operation.
	DeleteDisabled bool
	// StartWorkingHour and EndWorkingHour bound the working hours guard;
	// nil leaves that side open.
	StartWorkingHour *int
	EndWorkingHour   *int
}

// Options tune one archive run.
type Options struct {
	// Check round-trips the uploaded blobs and verifies md5 and feature
	// counts.
	Check bool
	// DeleteAfterArchive removes the archived rows from the source table.
	DeleteAfterArchive bool
	// Overwrite allows re-archiving a day that is already archived.
	Overwrite bool
}

// Archiver orchestrates date-window archives of the logged point table.
type Archiver struct {
	log    *zap.Logger
	db     *trackdb.DB
	store  *resource.Storage
	config Config
	loc    *time.Location

	// now and confirm are swapped out in tests
	now     func() time.Time
	confirm func(prompt string) (bool, error)
}

// New creates an archiver over the grouped logged point resource.
func New(log *zap.Logger, db *trackdb.DB, store *resource.Storage, loc *time.Location, config Config) *Archiver {
	return &Archiver{
		log:     log,
		db:      db,
		store:   store,
		config:  config,
		loc:     loc,
		now:     func() time.Time { return time.Now().In(loc) },
		confirm: confirmOnStdin,
	}
}

func confirmOnStdin(prompt string) (bool, error) {
	fmt.Printf("%s [Y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, Error.Wrap(err)
	}
	return strings.EqualFold(strings.TrimSpace(line), "y"), nil
}

// group returns the month level namespace of a day, e.g. loggedpoint2024-05.
func (archiver *Archiver) group(d codec.Date) string {
	return fmt.Sprintf("%s%04d-%02d", archiver.store.Name(), d.Year, int(d.Month))
}

// id returns the day level resource id, e.g. loggedpoint2024-05-01.
func (archiver *Archiver) id(d codec.Date) string {
	return archiver.store.Name() + d.String()
}

func (archiver *Archiver) vrtID(group string) string { return group + ".vrt" }

func (archiver *Archiver) today() codec.Date { return codec.DateOf(archiver.now()) }

// ArchiveByDate archives the logged points of one calendar day.
func (archiver *Archiver) ArchiveByDate(ctx context.Context, d codec.Date, options Options) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !d.Before(archiver.today()) {
		return Error.New("can only archive logged points from before today")
	}
	group, id := archiver.group(d), archiver.id(d)
	start := d.Time(archiver.loc)
	end := d.AddDays(1).Time(archiver.loc)
	return archiver.archive(ctx, group, id, start, end, options)
}

// ArchiveByMonth archives every day of the month that is strictly before
// today.
func (archiver *Archiver) ArchiveByMonth(ctx context.Context, year int, month time.Month, options Options) (err error) {
	defer mon.Task()(&ctx)(&err)

	day := codec.NewDate(year, month, 1)
	if !day.Before(archiver.today()) {
		return Error.New("can only archive logged points from before today")
	}
	archiver.log.Info("archiving logged points by month",
		zap.Int("year", year), zap.Int("month", int(month)))

	for day.Month == month && day.Before(archiver.today()) {
		if err := archiver.ArchiveByDate(ctx, day, options); err != nil {
			return err
		}
		day = day.AddDays(1)
	}
	return nil
}

// ContinuousArchive walks from the earliest logged point up to the
// retention boundary, archiving at most maxArchiveDays windows. It refuses
// to run inside configured working hours.
func (archiver *Archiver) ContinuousArchive(ctx context.Context, options Options, maxArchiveDays int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := archiver.checkWorkingHours(); err != nil {
		return err
	}

	row, err := archiver.db.Get(ctx, earliestSeenSQL)
	if err != nil {
		return err
	}
	if row == nil || row[0] == nil {
		archiver.log.Info("no logged points to archive")
		return nil
	}
	earliest, ok := row[0].(time.Time)
	if !ok {
		return Error.New("earliest seen query returned %T, expected a timestamp", row[0])
	}

	day := codec.DateOf(earliest.In(archiver.loc))
	boundary := archiver.today().AddDays(-archiver.config.ActiveDays)

	archiver.log.Info("begin continuous archive",
		zap.String("earliest", day.String()),
		zap.String("boundary", boundary.String()),
		zap.Int("max_archive_days", maxArchiveDays),
		zap.Bool("check", options.Check),
		zap.Bool("delete_after_archive", options.DeleteAfterArchive))

	for _, day := range archiveDays(day, boundary, maxArchiveDays) {
		if err := archiver.ArchiveByDate(ctx, day, options); err != nil {
			return err
		}
	}
	return nil
}

// archiveDays enumerates the days from earliest up to, not including,
// boundary, capped at maxArchiveDays when positive.
func archiveDays(earliest, boundary codec.Date, maxArchiveDays int) []codec.Date {
	var days []codec.Date
	for day := earliest; day.Before(boundary); day = day.AddDays(1) {
		if maxArchiveDays > 0 && len(days) >= maxArchiveDays {
			break
		}
		days = append(days, day)
	}
	return days
}

// checkWorkingHours fails when the current hour lies inside the configured
// working hour bounds. Either bound may be omitted.
func (archiver *Archiver) checkWorkingHours() error {
	start, end := archiver.config.StartWorkingHour, archiver.config.EndWorkingHour
	if start == nil && end == nil {
		return nil
	}
	hour := archiver.now().Hour()
	afterStart := start == nil || hour >= *start
	beforeEnd := end == nil || hour <= *end
	if afterStart && beforeEnd {
		return ErrWorkingHours.New("continuous archive must not run during working hours (hour=%d)", hour)
	}
	return nil
}

// archive runs the per-window pipeline: export, upload, verify, VRT
// rebuild, verify, optional source delete.
func (archiver *Archiver) archive(ctx context.Context, group, id string, start, end time.Time, options Options) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := archiver.log.With(
		zap.String("group", group),
		zap.String("id", id),
		zap.Time("start", start),
		zap.Time("end", end))

	if !options.Overwrite {
		exists, err := archiver.store.Exists(ctx, group, id)
		if err != nil {
			return err
		}
		if exists {
			return resource.ErrAlreadyExists.New("%s already archived in group %s", id, group)
		}
	}

	workFolder, err := os.MkdirTemp("", "archive_loggedpoint")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(workFolder))) }()

	log.Debug("begin archiving logged points")
	query := fmt.Sprintf(archiveSQL, start.Format(datetimePattern), end.Format(datetimePattern))
	layer, filename, err := archiver.db.ExportSpatialData(ctx, query, trackdb.ExportOptions{
		Filename: filepath.Join(workFolder, "loggedpoint.gpkg"),
		Layer:    id,
	})
	if err != nil {
		return err
	}
	if layer == nil {
		log.Debug("no logged points to archive in window")
		return nil
	}

	fileMD5, err := codec.FileMD5(filename)
	if err != nil {
		return err
	}
	meta := resource.Meta{
		resource.KeyResourceGroup: group,
		resource.KeyResourceID:    id,
		resource.KeyResourceFile:  id + ".gpkg",
		resource.KeyFileMD5:       fileMD5,
		resource.KeyFeatures:      layer.Features,
		resource.KeyLayer:         layer.Layer,
		KeyStartArchive:           archiver.now(),
		KeyStartArchiveDate:       start,
		KeyEndArchiveDate:         end,
	}

	log.Debug("pushing archive file to blob storage", zap.Int64("features", layer.Features))
	if _, err := archiver.store.PushFile(ctx, filename, meta, archiver.stamp(KeyEndArchive)); err != nil {
		return err
	}

	if options.Check {
		if err := archiver.verifyArchive(ctx, group, id, fileMD5, layer.Features, workFolder); err != nil {
			return err
		}
	}

	if err := archiver.rebuildVRT(ctx, group, workFolder, options.Check); err != nil {
		return err
	}

	if options.DeleteAfterArchive {
		deleteQuery := fmt.Sprintf(deleteSQL, start.Format(datetimePattern), end.Format(datetimePattern))
		deleted, err := archiver.db.Update(ctx, deleteQuery)
		if err != nil {
			return err
		}
		log.Debug("deleted archived rows from source table", zap.Int64("rows", deleted))
	}

	log.Debug("end archiving logged points")
	return nil
}

// stamp returns a post-push hook setting key to the completion time.
func (archiver *Archiver) stamp(key string) func(resource.Meta) {
	return func(meta resource.Meta) {
		meta[key] = archiver.now()
	}
}

// verifyArchive downloads the just-uploaded blob and compares md5 and
// feature count against the source.
func (archiver *Archiver) verifyArchive(ctx context.Context, group, id, wantMD5 string, wantFeatures int64, workFolder string) error {
	_, downloaded, err := archiver.store.Download(ctx, group, id, filepath.Join(workFolder, "loggedpoint_download.gpkg"), true)
	if err != nil {
		return err
	}
	gotMD5, err := codec.FileMD5(downloaded)
	if err != nil {
		return err
	}
	if gotMD5 != wantMD5 {
		return ErrIntegrity.New("uploaded archive md5 %s does not match source md5 %s", gotMD5, wantMD5)
	}
	layers, err := archiver.db.LayerMetadata(ctx, downloaded, "")
	if err != nil {
		return err
	}
	if len(layers) == 0 || layers[0].Features != wantFeatures {
		got := int64(-1)
		if len(layers) > 0 {
			got = layers[0].Features
		}
		return ErrIntegrity.New("uploaded archive has %d features, source has %d", got, wantFeatures)
	}
	return nil
}
