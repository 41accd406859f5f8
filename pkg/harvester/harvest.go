// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package harvester

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/blobstore"
)

// Status is the outcome of one harvest run.
type Status int

const (
	// StatusDownloaded means new scan results were assembled and published.
	StatusDownloaded Status = iota + 1
	// StatusNoNewScans means nothing newer than the last run was found.
	StatusNoNewScans
	// StatusScanNotCompleted means an active scan is still running.
	StatusScanNotCompleted
)

func (status Status) String() string {
	switch status {
	case StatusDownloaded:
		return "downloaded"
	case StatusNoNewScans:
		return "no new scans"
	case StatusScanNotCompleted:
		return "scan not completed"
	default:
		return "unknown"
	}
}

// Keys of the assembled scan result and of the index metadata document.
const (
	KeyScanStartTime = "scan_starttime"
	KeyScanEndTime   = "scan_endtime"
	KeyHosts         = "hosts"

	KeyHarvestStatus    = "harvest_status"
	KeyHarvestStartTime = "harvest_starttime"
	KeyHarvestEndTime   = "harvest_endtime"
	KeyHarvestMessage   = "harvest_message"
)

// Host classification groups.
const (
	groupWebApps = "webapps"
	groupHosts   = "hosts"

	webAppSuffix = ".wa.gov.au"
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

// severityKey maps a severity index onto the host entry counter it belongs
// to. Unknown indexes have no counter.
func severityKey(severity int, offline bool) (string, bool) {
	if severity < 0 || severity >= len(severityNames) {
		return "", false
	}
	if offline {
		return "offline_" + severityNames[severity], true
	}
	return severityNames[severity], true
}

// Result reports the outcome of one harvest run.
type Result struct {
	Status Status
	// Message explains no-op outcomes, e.g. the end time of the last
	// harvested scan when nothing newer was found.
	Message string
	// Uploaded maps the published group names onto their metadata.
	Uploaded map[string]resource.Meta
}

// Options tune one harvest run.
type Options struct {
	// DownloadVulnerabilityDetail keeps the per host vulnerability list in
	// the published result instead of stripping it.
	DownloadVulnerabilityDetail bool
}

// Config fixes the harvester's publication targets.
type Config struct {
	// IndexResource names the top level index document; defaults to nessus.
	IndexResource string
	// NewGroupStorage overrides how per group resource storage is built.
	NewGroupStorage func(group string) *resource.Storage
}

// Harvester assembles scan reports and publishes them per host group.
type Harvester struct {
	log    *zap.Logger
	client *Client
	codec  *codec.Codec

	index    *resource.MetadataPublisher
	newStore func(group string) *resource.Storage

	now func() time.Time
}

// New creates a harvester publishing into the container served by blobs.
func New(log *zap.Logger, client *Client, blobs blobstore.Store, cdc *codec.Codec, config Config) *Harvester {
	indexName := config.IndexResource
	if indexName == "" {
		indexName = "nessus"
	}
	harvester := &Harvester{
		log:    log,
		client: client,
		codec:  cdc,
		index:  resource.NewMetadataPublisher(blobs, cdc, indexName, ""),
		now:    func() time.Time { return time.Now().In(cdc.Location()) },
	}
	harvester.newStore = config.NewGroupStorage
	if harvester.newStore == nil {
		harvester.newStore = func(group string) *resource.Storage {
			return resource.New(log.Named("resource"), blobs, cdc, group, resource.Options{Archive: true})
		}
	}
	return harvester
}

// Harvest runs the full pipeline: poll the scan list, assemble per host
// results, group them and publish every group with new data. The index
// document is updated after all group uploads, and records a harvest audit
// block even when the run fails.
func (harvester *Harvester) Harvest(ctx context.Context, options Options) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	runStart := harvester.now()
	result, err := harvester.harvest(ctx, runStart, options)
	if err != nil {
		harvester.recordFailure(ctx, runStart, err)
		return Result{Status: result.Status}, err
	}
	return result, nil
}

// noNewScans describes why a run published nothing.
func noNewScans(lastScanTime time.Time) string {
	if lastScanTime.IsZero() {
		return "no active scans on the server"
	}
	return fmt.Sprintf("no new scans since the last harvest, last scan ended %s",
		lastScanTime.Format("2006-01-02 15:04:05"))
}

func (harvester *Harvester) harvest(ctx context.Context, runStart time.Time, options Options) (Result, error) {
	indexDoc, err := harvester.index.JSON(ctx)
	if err != nil {
		return Result{}, err
	}
	var lastScanTime time.Time
	if indexDoc != nil {
		lastScanTime, _ = indexDoc[KeyScanEndTime].(time.Time)
	}

	scans, err := harvester.client.ActiveScans(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(scans) == 0 {
		harvester.log.Info("no active scans on the server")
		return Result{Status: StatusNoNewScans, Message: noNewScans(time.Time{})}, nil
	}
	for _, scan := range scans {
		if !scan.Completed() {
			return Result{Status: StatusScanNotCompleted},
				ErrScanIncomplete.New("scan %d (%s) has status %q", scan.ID, scan.Name, scan.Status)
		}
	}

	_, endTime := harvester.scanWindow(scans, nil)
	if !lastScanTime.IsZero() && !endTime.After(lastScanTime) {
		harvester.log.Info("no new scans since the last harvest",
			zap.Time("last_scan_endtime", lastScanTime))
		return Result{Status: StatusNoNewScans, Message: noNewScans(lastScanTime)}, nil
	}

	hosts, err := harvester.download(ctx, scans, options.DownloadVulnerabilityDetail)
	if err != nil {
		return Result{}, err
	}
	groups := harvester.groupResults(scans, hosts)

	uploaded := map[string]resource.Meta{}
	var indexStart, indexEnd time.Time
	for _, name := range sortedGroupNames(groups) {
		group := groups[name]
		groupStart, _ := group[KeyScanStartTime].(time.Time)
		groupEnd, _ := group[KeyScanEndTime].(time.Time)

		store := harvester.newStore(name)
		current, err := store.Metadata(ctx, "", name)
		if err != nil && !resource.ErrNotFound.Has(err) {
			return Result{Status: StatusDownloaded}, err
		}
		if current != nil {
			if previous, ok := current[KeyScanEndTime].(time.Time); ok && !groupEnd.After(previous) {
				harvester.log.Info("no new scans for group", zap.String("group", name))
				continue
			}
		}

		meta := resource.Meta{
			resource.KeyResourceID: name,
			KeyScanStartTime:       groupStart,
			KeyScanEndTime:         groupEnd,
		}
		if _, err := store.PushJSON(ctx, group, meta, nil); err != nil {
			return Result{Status: StatusDownloaded}, err
		}
		harvester.log.Info("published scan group",
			zap.String("group", name),
			zap.Time("scan_starttime", groupStart),
			zap.Time("scan_endtime", groupEnd))
		uploaded[name] = meta

		if indexStart.IsZero() || groupStart.Before(indexStart) {
			indexStart = groupStart
		}
		if indexEnd.IsZero() || groupEnd.After(indexEnd) {
			indexEnd = groupEnd
		}
	}
	if len(uploaded) == 0 {
		harvester.log.Info("no new scans since the last harvest",
			zap.Time("last_scan_endtime", lastScanTime))
		return Result{Status: StatusNoNewScans, Message: noNewScans(lastScanTime)}, nil
	}

	if indexDoc == nil {
		indexDoc = map[string]interface{}{}
	}
	indexDoc[KeyScanStartTime] = indexStart
	indexDoc[KeyScanEndTime] = indexEnd
	indexDoc[KeyHarvestStatus] = "succeeded"
	indexDoc[KeyHarvestStartTime] = runStart
	indexDoc[KeyHarvestEndTime] = harvester.now()
	delete(indexDoc, KeyHarvestMessage)
	if err := harvester.index.Update(ctx, indexDoc); err != nil {
		return Result{Status: StatusDownloaded, Uploaded: uploaded}, err
	}
	return Result{Status: StatusDownloaded, Uploaded: uploaded}, nil
}

// recordFailure stamps a failed audit block onto the index document. The
// scan window keys are left as they were.
func (harvester *Harvester) recordFailure(ctx context.Context, runStart time.Time, herr error) {
	doc, err := harvester.index.JSON(ctx)
	if err != nil || doc == nil {
		doc = map[string]interface{}{}
	}
	doc[KeyHarvestStatus] = "failed"
	doc[KeyHarvestStartTime] = runStart
	doc[KeyHarvestEndTime] = harvester.now()
	doc[KeyHarvestMessage] = herr.Error()
	if err := harvester.index.Update(ctx, doc); err != nil {
		harvester.log.Error("failed to record harvest failure on the index", zap.Error(err))
	}
}

// DownloadToFile assembles the scan results and writes them to filename as
// indented JSON without publishing anything.
func (harvester *Harvester) DownloadToFile(ctx context.Context, filename string, options Options) (_ Status, err error) {
	defer mon.Task()(&ctx)(&err)

	scans, err := harvester.client.ActiveScans(ctx)
	if err != nil {
		return 0, err
	}
	if len(scans) == 0 {
		harvester.log.Info("no active scans on the server")
		return StatusNoNewScans, nil
	}
	for _, scan := range scans {
		if !scan.Completed() {
			return StatusScanNotCompleted,
				ErrScanIncomplete.New("scan %d (%s) has status %q", scan.ID, scan.Name, scan.Status)
		}
	}

	start, end := harvester.scanWindow(scans, nil)
	hosts, err := harvester.download(ctx, scans, options.DownloadVulnerabilityDetail)
	if err != nil {
		return 0, err
	}
	result := map[string]interface{}{
		KeyScanStartTime: start,
		KeyScanEndTime:   end,
		KeyHosts:         hosts,
	}
	data, err := harvester.codec.EncodeIndent(result)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return 0, Error.Wrap(err)
	}
	return StatusDownloaded, nil
}

// download assembles the per host results of every scan, merging hosts that
// show up in more than one scan.
func (harvester *Harvester) download(ctx context.Context, scans []Scan, detail bool) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	hosts := map[string]interface{}{}
	for _, scan := range scans {
		scanHosts, err := harvester.client.ScanHosts(ctx, scan.ID)
		if err != nil {
			return nil, err
		}
		for _, host := range scanHosts {
			hostDetail, err := harvester.client.HostDetail(ctx, scan.ID, host.HostID)
			if err != nil {
				return nil, err
			}
			hostname := host.Hostname
			if fqdn, ok := hostDetail.Info["host-fqdn"].(string); ok && fqdn != "" {
				hostname = fqdn
			}

			vulnerabilities := make([]interface{}, 0, len(hostDetail.Vulnerabilities))
			for _, vuln := range hostDetail.Vulnerabilities {
				vulnerabilities = append(vulnerabilities, map[string]interface{}{
					"scan_id":       scan.ID,
					"plugin_id":     vuln.PluginID,
					"plugin_name":   vuln.PluginName,
					"plugin_family": vuln.PluginFamily,
					"count":         vuln.Count,
					"severity":      vuln.Severity,
					"offline":       vuln.Offline,
				})
			}
			entry := map[string]interface{}{
				"host_id":         host.HostID,
				"info":            host.Info,
				"low":             host.Low,
				"medium":          host.Medium,
				"high":            host.High,
				"critical":        host.Critical,
				"severity":        host.Severity,
				"score":           host.Score,
				"host_info":       hostDetail.Info,
				"scan_id":         scan.ID,
				"scan_name":       scan.Name,
				"report_url":      harvester.client.ReportURL(scan.ID, host.HostID),
				"vulnerabilities": vulnerabilities,
			}

			if existing, ok := hosts[hostname].(map[string]interface{}); ok {
				harvester.mergeHost(existing, entry, hostname)
			} else {
				hosts[hostname] = entry
			}
		}
	}

	if !detail {
		for _, entry := range hosts {
			delete(entry.(map[string]interface{}), "vulnerabilities")
		}
	}
	return hosts, nil
}

// mergeHost folds a duplicate occurrence of a host into its primary entry.
// Offline vulnerabilities and plugins already seen in other scans never
// contribute; new plugins bump the matching severity counter by their count.
func (harvester *Harvester) mergeHost(existing, incoming map[string]interface{}, hostname string) {
	otherIDs, _ := existing["other_scan_ids"].([]interface{})
	otherNames, _ := existing["other_scan_names"].([]interface{})
	otherURLs, _ := existing["other_report_urls"].([]interface{})
	existing["other_scan_ids"] = append(otherIDs, incoming["scan_id"])
	existing["other_scan_names"] = append(otherNames, incoming["scan_name"])
	existing["other_report_urls"] = append(otherURLs, incoming["report_url"])

	harvester.log.Info("host scanned by multiple scans",
		zap.String("host", hostname),
		zap.Any("scan", incoming["scan_name"]))

	existingVulns, _ := existing["vulnerabilities"].([]interface{})
	incomingVulns, _ := incoming["vulnerabilities"].([]interface{})
	for _, raw := range incomingVulns {
		vuln, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if offline, _ := vuln["offline"].(bool); offline {
			continue
		}
		if hasPlugin(existingVulns, vuln["plugin_id"]) {
			continue
		}
		existingVulns = append(existingVulns, vuln)

		severity, _ := vuln["severity"].(int)
		if key, ok := severityKey(severity, false); ok {
			existing[key] = asInt64(existing[key]) + asInt64(vuln["count"])
		}
	}
	existing["vulnerabilities"] = existingVulns
}

func hasPlugin(vulnerabilities []interface{}, pluginID interface{}) bool {
	want := asInt64(pluginID)
	for _, raw := range vulnerabilities {
		vuln, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if asInt64(vuln["plugin_id"]) == want {
			return true
		}
	}
	return false
}

// groupResults classifies the hosts into publication groups and computes
// each group's scan window from the scans that contributed hosts to it.
func (harvester *Harvester) groupResults(scans []Scan, hosts map[string]interface{}) map[string]map[string]interface{} {
	groups := map[string]map[string]interface{}{}
	groupScanIDs := map[string]map[int64]bool{}

	for hostname, raw := range hosts {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name := groupName(hostname)
		group, ok := groups[name]
		if !ok {
			group = map[string]interface{}{KeyHosts: map[string]interface{}{}}
			groups[name] = group
			groupScanIDs[name] = map[int64]bool{}
		}
		group[KeyHosts].(map[string]interface{})[hostname] = entry

		ids := groupScanIDs[name]
		ids[asInt64(entry["scan_id"])] = true
		if others, ok := entry["other_scan_ids"].([]interface{}); ok {
			for _, id := range others {
				ids[asInt64(id)] = true
			}
		}
	}

	for name, group := range groups {
		start, end := harvester.scanWindow(scans, groupScanIDs[name])
		group[KeyScanStartTime] = start
		group[KeyScanEndTime] = end
	}
	return groups
}

// groupName classifies a host by its name suffix.
func groupName(hostname string) string {
	if strings.HasSuffix(hostname, webAppSuffix) {
		return groupWebApps
	}
	return groupHosts
}

// scanWindow computes min(creation_date) and max(last_modification_date)
// over the scans, restricted to ids when ids is not nil.
func (harvester *Harvester) scanWindow(scans []Scan, ids map[int64]bool) (start, end time.Time) {
	var minCreated, maxModified int64
	seen := false
	for _, scan := range scans {
		if ids != nil && !ids[scan.ID] {
			continue
		}
		if !seen || scan.CreationDate < minCreated {
			minCreated = scan.CreationDate
		}
		if !seen || scan.LastModificationDate > maxModified {
			maxModified = scan.LastModificationDate
		}
		seen = true
	}
	if !seen {
		return time.Time{}, time.Time{}
	}
	loc := harvester.codec.Location()
	return time.Unix(minCreated, 0).In(loc), time.Unix(maxModified, 0).In(loc)
}

func sortedGroupNames(groups map[string]map[string]interface{}) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func asInt64(v interface{}) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
