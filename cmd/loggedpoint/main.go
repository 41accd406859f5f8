// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/archiver"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/conf"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/process"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/trackdb"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/miniostore"
)

// Error is the loggedpoint command error class.
var Error = errs.Class("loggedpoint error")

var (
	rootCmd = &cobra.Command{
		Use:   "loggedpoint",
		Short: "Archive, restore and delete logged point history",
	}
	archiveCmd = &cobra.Command{
		Use:   "archive year month [day]",
		Short: "Archive the logged points of a day or a whole month",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  cmdArchive,
	}
	continuousCmd = &cobra.Command{
		Use:   "continuous-archive",
		Short: "Archive every day older than the retention window",
		Args:  cobra.NoArgs,
		RunE:  cmdContinuousArchive,
	}
	restoreCmd = &cobra.Command{
		Use:   "restore year month [day]",
		Short: "Restore archived logged points into the database",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  cmdRestore,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete-archive year month [day]",
		Short: "Delete archived logged points from the object store",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  cmdDeleteArchive,
	}

	archiveFlags struct {
		check  bool
		delete bool
	}
	continuousFlags struct {
		check          bool
		delete         bool
		maxArchiveDays int
	}
	restoreFlags struct {
		preserveID    bool
		toOriginTable bool
	}
)

func init() {
	rootCmd.AddCommand(archiveCmd, continuousCmd, restoreCmd, deleteCmd)

	archiveCmd.Flags().BoolVar(&archiveFlags.check, "check", false,
		"download the archived files to verify the archive")
	archiveCmd.Flags().BoolVar(&archiveFlags.delete, "delete", false,
		"delete the archived logged points from the table after archiving")

	continuousCmd.Flags().BoolVar(&continuousFlags.check, "check", false,
		"download the archived files to verify the archive")
	continuousCmd.Flags().BoolVar(&continuousFlags.delete, "delete", false,
		"delete the archived logged points from the table after archiving")
	continuousCmd.Flags().IntVar(&continuousFlags.maxArchiveDays, "max-archive-days", 0,
		"maximum days to archive in one run, 0 means unlimited")

	restoreCmd.Flags().BoolVar(&restoreFlags.preserveID, "preserve-id", false,
		"preserve the logged point ids during the restore")
	restoreCmd.Flags().BoolVar(&restoreFlags.toOriginTable, "restore-to-origin-table", false,
		"restore the archived data into the tracking_loggedpoint table")
}

func main() {
	process.Execute(rootCmd)
}

// parseDate validates year month [day] argument triples. The day defaults
// to the first of the month when omitted.
func parseDate(args []string, now time.Time) (d codec.Date, hasDay bool, err error) {
	values := make([]int, len(args))
	for i, arg := range args {
		values[i], err = strconv.Atoi(arg)
		if err != nil {
			return codec.Date{}, false, Error.New("%q is not an integer", arg)
		}
	}
	year := values[0]
	if year < now.Year()-10 || year > now.Year() {
		return codec.Date{}, false, Error.New("year must be between %d and %d", now.Year()-10, now.Year())
	}
	month := values[1]
	if month < 1 || month > 12 {
		return codec.Date{}, false, Error.New("month must be between 1 and 12")
	}
	day := 1
	if len(values) == 3 {
		day = values[2]
		if day < 1 || day > 31 {
			return codec.Date{}, false, Error.New("day must be between 1 and 31")
		}
		hasDay = true
	}
	return codec.NewDate(year, time.Month(month), day), hasDay, nil
}

// app bundles everything one command run needs.
type app struct {
	archiver *archiver.Archiver
	db       *trackdb.DB
	loc      *time.Location
}

func (a *app) close() error { return a.db.Close() }

func newApp() (*app, error) {
	common, err := conf.LoadCommon(viper.GetViper())
	if err != nil {
		return nil, err
	}
	tracking, err := conf.LoadTracking(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := process.NewLogger()
	if err != nil {
		return nil, err
	}

	cdc := codec.New(common.Location)
	db, err := trackdb.Open(log.Named("db"), tracking.DatabaseURL)
	if err != nil {
		return nil, err
	}
	blobs, err := miniostore.New(tracking.StorageConnectionString, tracking.Container, miniostore.Options{
		PartSize: uint64(tracking.MaxSinglePutSize),
	})
	if err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	store := resource.New(log.Named("resource"), blobs, cdc, tracking.ResourceName, resource.Options{
		Grouped: true,
	})
	arch := archiver.New(log.Named("archiver"), db, store, common.Location, archiver.Config{
		ActiveDays:       tracking.ActiveDays,
		DeleteDisabled:   tracking.DeleteDisabled,
		StartWorkingHour: tracking.StartWorkingHour,
		EndWorkingHour:   tracking.EndWorkingHour,
	})
	return &app{archiver: arch, db: db, loc: common.Location}, nil
}

func cmdArchive(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, a.close()) }()

	d, hasDay, err := parseDate(args, time.Now().In(a.loc))
	if err != nil {
		return err
	}
	options := archiver.Options{
		Check:              archiveFlags.check,
		DeleteAfterArchive: archiveFlags.delete,
	}
	ctx := context.Background()
	if hasDay {
		return a.archiver.ArchiveByDate(ctx, d, options)
	}
	return a.archiver.ArchiveByMonth(ctx, d.Year, d.Month, options)
}

func cmdContinuousArchive(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, a.close()) }()

	options := archiver.Options{
		Check:              continuousFlags.check,
		DeleteAfterArchive: continuousFlags.delete,
	}
	return a.archiver.ContinuousArchive(context.Background(), options, continuousFlags.maxArchiveDays)
}

func cmdRestore(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, a.close()) }()

	d, hasDay, err := parseDate(args, time.Now().In(a.loc))
	if err != nil {
		return err
	}
	options := archiver.RestoreOptions{
		PreserveID:           restoreFlags.preserveID,
		RestoreToOriginTable: restoreFlags.toOriginTable,
	}
	ctx := context.Background()
	var table string
	if hasDay {
		table, err = a.archiver.RestoreByDate(ctx, d, options)
	} else {
		table, err = a.archiver.RestoreByMonth(ctx, d.Year, d.Month, options)
	}
	if err != nil {
		return err
	}
	cmd.Printf("restored into table %s\n", table)
	return nil
}

func cmdDeleteArchive(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, a.close()) }()

	d, hasDay, err := parseDate(args, time.Now().In(a.loc))
	if err != nil {
		return err
	}
	ctx := context.Background()
	if hasDay {
		return a.archiver.DeleteArchiveByDate(ctx, d)
	}
	return a.archiver.DeleteArchiveByMonth(ctx, d.Year, d.Month)
}
