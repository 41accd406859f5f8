// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package harvester

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rockychen-dpaw/data-harvester-backup/internal/testcontext"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/resource"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/teststore"
)

func perthCodec(t *testing.T) *codec.Codec {
	loc, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	return codec.New(loc)
}

func TestSeverityKey(t *testing.T) {
	key, ok := severityKey(0, false)
	require.True(t, ok)
	require.Equal(t, "info", key)
	key, ok = severityKey(4, false)
	require.True(t, ok)
	require.Equal(t, "critical", key)
	key, ok = severityKey(2, true)
	require.True(t, ok)
	require.Equal(t, "offline_medium", key)

	_, ok = severityKey(5, false)
	require.False(t, ok)
	_, ok = severityKey(-1, false)
	require.False(t, ok)
}

func TestGroupName(t *testing.T) {
	require.Equal(t, "webapps", groupName("app1.dpaw.wa.gov.au"))
	require.Equal(t, "hosts", groupName("server1"))
	require.Equal(t, "hosts", groupName("app1.wa.gov.au.example.com"))
}

func TestScanWindow(t *testing.T) {
	cdc := perthCodec(t)
	harvester := New(zaptest.NewLogger(t), nil, teststore.New(), cdc, Config{})

	scans := []Scan{
		{ID: 1, CreationDate: 1000, LastModificationDate: 2000},
		{ID: 2, CreationDate: 1500, LastModificationDate: 2500},
	}
	start, end := harvester.scanWindow(scans, nil)
	require.True(t, time.Unix(1000, 0).Equal(start))
	require.True(t, time.Unix(2500, 0).Equal(end))
	require.Equal(t, cdc.Location(), start.Location())

	start, end = harvester.scanWindow(scans, map[int64]bool{2: true})
	require.True(t, time.Unix(1500, 0).Equal(start))
	require.True(t, time.Unix(2500, 0).Equal(end))

	start, end = harvester.scanWindow(nil, nil)
	require.True(t, start.IsZero())
	require.True(t, end.IsZero())
}

func TestMergeHost(t *testing.T) {
	harvester := New(zaptest.NewLogger(t), nil, teststore.New(), perthCodec(t), Config{})

	existing := map[string]interface{}{
		"scan_id":   int64(1),
		"scan_name": "external",
		"low":       int64(0),
		"vulnerabilities": []interface{}{
			map[string]interface{}{"plugin_id": int64(100), "severity": 3, "count": int64(2), "offline": false},
		},
	}
	incoming := map[string]interface{}{
		"scan_id":    int64(2),
		"scan_name":  "internal",
		"report_url": "https://nessus/#/scans/reports/2/hosts/22/vulnerabilities",
		"vulnerabilities": []interface{}{
			// same plugin as the primary scan, skipped
			map[string]interface{}{"plugin_id": int64(100), "severity": 3, "count": int64(1), "offline": false},
			// offline, skipped
			map[string]interface{}{"plugin_id": int64(301), "severity": 0, "count": int64(1), "offline": true},
			// new plugin, appended and counted
			map[string]interface{}{"plugin_id": int64(300), "severity": 1, "count": int64(3), "offline": false},
		},
	}

	harvester.mergeHost(existing, incoming, "app1.dpaw.wa.gov.au")

	require.Equal(t, []interface{}{int64(2)}, existing["other_scan_ids"])
	require.Equal(t, []interface{}{"internal"}, existing["other_scan_names"])
	require.Equal(t, []interface{}{"https://nessus/#/scans/reports/2/hosts/22/vulnerabilities"},
		existing["other_report_urls"])

	vulns := existing["vulnerabilities"].([]interface{})
	require.Len(t, vulns, 2)
	require.Equal(t, int64(300), vulns[1].(map[string]interface{})["plugin_id"])
	require.Equal(t, int64(3), existing["low"])
}

// scanServer serves a fixed two scan fixture: one webapp host scanned by
// both scans and one plain host scanned only by the second.
func scanServer(t *testing.T) *httptest.Server {
	respond := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/scans", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "3", r.URL.Query().Get("folder_id"))
		require.Contains(t, r.Header.Get("X-ApiKeys"), "accessKey=ak;")
		respond(w, map[string]interface{}{
			"scans": []map[string]interface{}{
				{"id": 1, "name": "external", "status": "completed",
					"creation_date": 1000, "last_modification_date": 2000},
				{"id": 2, "name": "internal", "status": "aborted",
					"creation_date": 1500, "last_modification_date": 2500},
			},
		})
	})
	mux.HandleFunc("/scans/1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"hosts": []map[string]interface{}{
				{"host_id": 11, "hostname": "10.0.0.1", "high": 2, "low": 0},
			},
		})
	})
	mux.HandleFunc("/scans/2", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"hosts": []map[string]interface{}{
				{"host_id": 21, "hostname": "server1", "critical": 1},
				{"host_id": 22, "hostname": "10.0.0.1"},
			},
		})
	})
	mux.HandleFunc("/scans/1/hosts/11", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"info": map[string]interface{}{"host-fqdn": "app1.dpaw.wa.gov.au"},
			"vulnerabilities": []map[string]interface{}{
				{"plugin_id": 100, "plugin_name": "tls", "severity": 3, "count": 2},
			},
		})
	})
	mux.HandleFunc("/scans/2/hosts/21", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"info": map[string]interface{}{},
			"vulnerabilities": []map[string]interface{}{
				{"plugin_id": 200, "plugin_name": "rce", "severity": 4, "count": 1},
			},
		})
	})
	mux.HandleFunc("/scans/2/hosts/22", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]interface{}{
			"info": map[string]interface{}{"host-fqdn": "app1.dpaw.wa.gov.au"},
			"vulnerabilities": []map[string]interface{}{
				{"plugin_id": 100, "plugin_name": "tls", "severity": 3, "count": 1},
				{"plugin_id": 300, "plugin_name": "weak cipher", "severity": 1, "count": 3},
			},
		})
	})
	return httptest.NewTLSServer(mux)
}

func newTestHarvester(t *testing.T, server *httptest.Server, blobs *teststore.Store) *Harvester {
	log := zaptest.NewLogger(t)
	client := NewClient(log, ClientConfig{
		Base:      server.URL,
		URL:       "https://nessus.example.com",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	return New(log, client, blobs, perthCodec(t), Config{})
}

func TestHarvest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := scanServer(t)
	defer server.Close()

	blobs := teststore.New()
	harvester := newTestHarvester(t, server, blobs)

	result, err := harvester.Harvest(ctx, Options{DownloadVulnerabilityDetail: true})
	require.NoError(t, err)
	require.Equal(t, StatusDownloaded, result.Status)
	require.Empty(t, result.Message)
	require.Len(t, result.Uploaded, 2)
	require.Contains(t, result.Uploaded, "webapps")
	require.Contains(t, result.Uploaded, "hosts")

	cdc := perthCodec(t)
	log := zaptest.NewLogger(t)

	webapps := resource.New(log, blobs, cdc, "webapps", resource.Options{Archive: true})
	meta, err := webapps.Metadata(ctx, "", "webapps")
	require.NoError(t, err)
	groupEnd, ok := meta.Time(KeyScanEndTime)
	require.True(t, ok)
	require.True(t, time.Unix(2500, 0).Equal(groupEnd))
	groupStart, ok := meta.Time(KeyScanStartTime)
	require.True(t, ok)
	require.True(t, time.Unix(1000, 0).Equal(groupStart))

	// published group document carries the merged host entry
	_, filename, err := webapps.Download(ctx, "", "webapps", ctx.File("webapps.json"), false)
	require.NoError(t, err)
	require.NotEmpty(t, filename)

	hosts := resource.New(log, blobs, cdc, "hosts", resource.Options{Archive: true})
	meta, err = hosts.Metadata(ctx, "", "hosts")
	require.NoError(t, err)
	groupStart, _ = meta.Time(KeyScanStartTime)
	require.True(t, time.Unix(1500, 0).Equal(groupStart))

	// index summarizes the run
	index := resource.NewMetadataPublisher(blobs, cdc, "nessus", "")
	doc, err := index.JSON(ctx)
	require.NoError(t, err)
	indexEnd, ok := doc[KeyScanEndTime].(time.Time)
	require.True(t, ok)
	require.True(t, time.Unix(2500, 0).Equal(indexEnd))
	indexStart, ok := doc[KeyScanStartTime].(time.Time)
	require.True(t, ok)
	require.True(t, time.Unix(1000, 0).Equal(indexStart))
	require.Equal(t, "succeeded", doc[KeyHarvestStatus])

	// a second run finds nothing newer and says since when
	result, err = harvester.Harvest(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusNoNewScans, result.Status)
	require.Empty(t, result.Uploaded)
	require.Contains(t, result.Message, "no new scans since the last harvest")
	require.Contains(t, result.Message,
		time.Unix(2500, 0).In(cdc.Location()).Format("2006-01-02 15:04:05"))
}

func TestHarvestMergesDuplicateHosts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := scanServer(t)
	defer server.Close()

	harvester := newTestHarvester(t, server, teststore.New())

	scans, err := harvester.client.ActiveScans(ctx)
	require.NoError(t, err)
	hosts, err := harvester.download(ctx, scans, true)
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	app := hosts["app1.dpaw.wa.gov.au"].(map[string]interface{})
	require.Equal(t, int64(1), app["scan_id"])
	require.Equal(t, []interface{}{int64(2)}, app["other_scan_ids"])
	vulns := app["vulnerabilities"].([]interface{})
	// plugin 100 deduplicated, plugin 300 appended
	require.Len(t, vulns, 2)
	require.Equal(t, int64(3), app["low"])

	server1 := hosts["server1"].(map[string]interface{})
	require.Equal(t, int64(2), server1["scan_id"])
	require.NotContains(t, server1, "other_scan_ids")
}

func TestHarvestStripsVulnerabilityDetail(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := scanServer(t)
	defer server.Close()

	harvester := newTestHarvester(t, server, teststore.New())
	scans, err := harvester.client.ActiveScans(ctx)
	require.NoError(t, err)
	hosts, err := harvester.download(ctx, scans, false)
	require.NoError(t, err)
	for hostname, entry := range hosts {
		require.NotContains(t, entry.(map[string]interface{}), "vulnerabilities", hostname)
	}
}

func TestHarvestScanNotCompleted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mux := http.NewServeMux()
	mux.HandleFunc("/scans", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"scans": []map[string]interface{}{
				{"id": 7, "name": "weekly", "status": "running",
					"creation_date": 1000, "last_modification_date": 2000},
			},
		})
	})
	server := httptest.NewTLSServer(mux)
	defer server.Close()

	blobs := teststore.New()
	harvester := newTestHarvester(t, server, blobs)

	result, err := harvester.Harvest(ctx, Options{})
	require.Equal(t, StatusScanNotCompleted, result.Status)
	require.True(t, ErrScanIncomplete.Has(err))

	// the failure is recorded on the index
	index := resource.NewMetadataPublisher(blobs, perthCodec(t), "nessus", "")
	doc, err := index.JSON(ctx)
	require.NoError(t, err)
	require.Equal(t, "failed", doc[KeyHarvestStatus])
	require.Contains(t, doc[KeyHarvestMessage], "weekly")
}

func TestDownloadToFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := scanServer(t)
	defer server.Close()

	harvester := newTestHarvester(t, server, teststore.New())

	target := ctx.File("scanresult.json")
	status, err := harvester.DownloadToFile(ctx, target, Options{DownloadVulnerabilityDetail: true})
	require.NoError(t, err)
	require.Equal(t, StatusDownloaded, status)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	decoded, err := perthCodec(t).DecodeMap(data)
	require.NoError(t, err)
	hosts := decoded[KeyHosts].(map[string]interface{})
	require.Contains(t, hosts, "app1.dpaw.wa.gov.au")
	require.Contains(t, hosts, "server1")
	end := decoded[KeyScanEndTime].(time.Time)
	require.True(t, time.Unix(2500, 0).Equal(end))
}
