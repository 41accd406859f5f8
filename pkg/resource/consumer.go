// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package resource

import (
	"context"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rockychen-dpaw/data-harvester-backup/storage/metastore"
)

// State describes a consumer's position against the latest published
// version of a flat resource.
type State int

const (
	// StateUntouched means the client has never consumed the resource.
	StateUntouched State = iota
	// StateBehind means a newer version has been published since the
	// client last consumed.
	StateBehind
	// StateUpToDate means the client has consumed the latest version.
	StateUpToDate
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUntouched:
		return "untouched"
	case StateBehind:
		return "behind"
	case StateUpToDate:
		return "up to date"
	default:
		return "unknown"
	}
}

const (
	keyConsumeDate = "consume_date"
)

// Consumer tracks the last consumed version of a flat resource for one
// client, driving at-least-once "process if behind" semantics.
type Consumer struct {
	log      *zap.Logger
	storage  *Storage
	clientID string
	meta     *metastore.Store
}

// NewConsumer creates the per-client tracking document for a flat resource.
func NewConsumer(log *zap.Logger, storage *Storage, clientID string) (*Consumer, error) {
	if storage.grouped {
		return nil, Error.New("consumer tracking only supports flat resources")
	}
	return &Consumer{
		log:      log,
		storage:  storage,
		clientID: clientID,
		meta:     metastore.New(storage.blobs, joinPath(storage.basePath, "consumers", clientID+".json"), storage.codec, false),
	}, nil
}

// latest finds the flat entry with the newest publish_date.
func (consumer *Consumer) latest(ctx context.Context) (Meta, error) {
	doc, err := consumer.storage.Document(ctx)
	if err != nil {
		return nil, err
	}
	var latest Meta
	for _, id := range sortedKeys(doc) {
		meta, ok := consumer.storage.resolveVersion(doc[id], CurrentVersion)
		if !ok {
			continue
		}
		if latest == nil || meta.PublishDate().After(latest.PublishDate()) {
			latest = meta
		}
	}
	if latest == nil {
		return nil, ErrNotFound.New("resource %q has no published versions", consumer.storage.name)
	}
	return latest, nil
}

// Status returns the client's state, the client tracking metadata and the
// latest published resource metadata.
func (consumer *Consumer) Status(ctx context.Context) (_ State, clientMeta, resourceMeta Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	resourceMeta, err = consumer.latest(ctx)
	if err != nil {
		return StateUntouched, nil, nil, err
	}
	clientDoc, err := consumer.meta.JSON(ctx)
	if err != nil {
		return StateUntouched, nil, nil, err
	}
	if clientDoc == nil {
		return StateUntouched, nil, resourceMeta, nil
	}
	clientMeta = Meta(clientDoc)
	if clientMeta.ID() == resourceMeta.ID() && !clientMeta.PublishDate().Before(resourceMeta.PublishDate()) {
		return StateUpToDate, clientMeta, resourceMeta, nil
	}
	return StateBehind, clientMeta, resourceMeta, nil
}

// ConsumeJSON downloads the latest version if the client is behind, decodes
// it and invokes callback. On success the client tracking document records
// the consumed version. It returns false without side effects when the
// client is already up to date.
func (consumer *Consumer) ConsumeJSON(ctx context.Context, callback func(Meta, interface{}) error) (consumed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	return consumer.consume(ctx, func(meta Meta, filename string) error {
		data, err := os.ReadFile(filename)
		if err != nil {
			return Error.Wrap(err)
		}
		decoded, err := consumer.storage.codec.Decode(data)
		if err != nil {
			return err
		}
		return callback(meta, decoded)
	})
}

// ConsumeFile is ConsumeJSON, but hands the callback an open file instead
// of the decoded document.
func (consumer *Consumer) ConsumeFile(ctx context.Context, callback func(Meta, *os.File) error) (consumed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	return consumer.consume(ctx, func(meta Meta, filename string) (err error) {
		file, err := os.Open(filename)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()
		return callback(meta, file)
	})
}

func (consumer *Consumer) consume(ctx context.Context, process func(Meta, string) error) (bool, error) {
	state, _, resourceMeta, err := consumer.Status(ctx)
	if err != nil {
		return false, err
	}
	if state == StateUpToDate {
		return false, nil
	}

	meta, filename, err := consumer.storage.Download(ctx, "", resourceMeta.ID(), "", true)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(filename) }()

	if err := process(meta, filename); err != nil {
		return false, err
	}

	consumer.log.Debug("consumed resource",
		zap.String("resource", consumer.storage.name),
		zap.String("client", consumer.clientID),
		zap.String("id", meta.ID()))

	err = consumer.meta.Update(ctx, map[string]interface{}{
		KeyResourceID:  meta.ID(),
		KeyPublishDate: meta.PublishDate(),
		keyConsumeDate: consumer.storage.now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
