// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
)

// guardDelete enforces the delete gate and asks for confirmation. It
// reports whether the caller may proceed.
func (archiver *Archiver) guardDelete(prompt string) (bool, error) {
	if archiver.config.DeleteDisabled {
		return false, ErrDeleteDisabled.New("deleting archives is disabled")
	}
	confirmed, err := archiver.confirm(prompt)
	if err != nil {
		return false, err
	}
	if !confirmed {
		archiver.log.Info("archive delete cancelled by operator")
	}
	return confirmed, nil
}

// DeleteArchiveByDate removes one daily archive and rebuilds the group's
// union VRT from the remaining layers.
func (archiver *Archiver) DeleteArchiveByDate(ctx context.Context, d codec.Date) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !d.Before(archiver.today()) {
		return Error.New("can only delete archived logged points from before today")
	}
	group, id := archiver.group(d), archiver.id(d)
	ok, err := archiver.guardDelete(fmt.Sprintf("Delete the archive %q from group %q?", id, group))
	if err != nil || !ok {
		return err
	}

	deleted, err := archiver.store.Delete(ctx, group, id)
	if err != nil {
		return err
	}
	if deleted == nil {
		archiver.log.Info("archive does not exist, nothing deleted",
			zap.String("group", group), zap.String("id", id))
		return nil
	}
	archiver.log.Info("deleted daily archive",
		zap.String("group", group), zap.String("id", id))

	workFolder, err := os.MkdirTemp("", "delete_loggedpoint")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(workFolder))) }()

	return archiver.rebuildVRT(ctx, group, workFolder, false)
}

// DeleteArchiveByMonth removes a whole group including its union VRT.
func (archiver *Archiver) DeleteArchiveByMonth(ctx context.Context, year int, month time.Month) (err error) {
	defer mon.Task()(&ctx)(&err)

	first := codec.NewDate(year, month, 1)
	if !first.Before(archiver.today()) {
		return Error.New("can only delete archived logged points from before today")
	}
	group := archiver.group(first)
	ok, err := archiver.guardDelete(fmt.Sprintf("Delete every archive in group %q?", group))
	if err != nil || !ok {
		return err
	}
	return archiver.deleteGroup(ctx, group)
}

// DeleteAll removes every archived group of the resource.
func (archiver *Archiver) DeleteAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ok, err := archiver.guardDelete(fmt.Sprintf("Delete ALL archives of %q?", archiver.store.Name()))
	if err != nil || !ok {
		return err
	}

	doc, err := archiver.store.Document(ctx)
	if err != nil {
		return err
	}
	for group := range doc {
		if err := archiver.deleteGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (archiver *Archiver) deleteGroup(ctx context.Context, group string) error {
	deleted, err := archiver.store.Delete(ctx, group, "")
	if err != nil {
		return err
	}
	if deleted == nil {
		archiver.log.Info("group does not exist, nothing deleted", zap.String("group", group))
		return nil
	}
	archiver.log.Info("deleted archive group",
		zap.String("group", group), zap.Int("archives", len(deleted)))
	return nil
}
