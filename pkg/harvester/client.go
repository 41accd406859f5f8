// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package harvester pulls completed scan reports from a Nessus server,
// aggregates them per host, groups hosts by classification and publishes
// each group as a versioned resource.
package harvester

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the harvester error class.
	Error = errs.Class("harvester error")
	// ErrScanIncomplete is returned when any active scan has not reached a
	// terminal status yet.
	ErrScanIncomplete = errs.Class("scan not completed")
)

// activeScansFolder is the Nessus folder holding the recurring scans.
const activeScansFolder = 3

// ClientConfig carries the scan API endpoint and credentials.
type ClientConfig struct {
	// Base is the API root, e.g. https://nessus.example.com:8834.
	Base string
	// URL is the web UI root used to build report links.
	URL       string
	AccessKey string
	SecretKey string
}

// Client talks to the Nessus REST API. The server runs with a self signed
// certificate, so certificate verification is off.
type Client struct {
	log    *zap.Logger
	config ClientConfig
	http   *http.Client
}

// NewClient creates a scan API client.
func NewClient(log *zap.Logger, config ClientConfig) *Client {
	return &Client{
		log:    log,
		config: config,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Scan is one entry of the scan list.
type Scan struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Status               string `json:"status"`
	CreationDate         int64  `json:"creation_date"`
	LastModificationDate int64  `json:"last_modification_date"`
}

// Completed reports whether the scan has reached a terminal status.
func (scan Scan) Completed() bool {
	return scan.Status == "completed" || scan.Status == "aborted"
}

type scanList struct {
	Scans []Scan `json:"scans"`
}

// ScanHost is one host row of a scan report, carrying the per severity
// vulnerability counts computed by the server.
type ScanHost struct {
	HostID   int64  `json:"host_id"`
	Hostname string `json:"hostname"`
	Info     int64  `json:"info"`
	Low      int64  `json:"low"`
	Medium   int64  `json:"medium"`
	High     int64  `json:"high"`
	Critical int64  `json:"critical"`
	Severity int64  `json:"severity"`
	Score    int64  `json:"score"`
}

type scanDetail struct {
	Hosts []ScanHost `json:"hosts"`
}

// Vulnerability is one finding on one host.
type Vulnerability struct {
	PluginID     int64  `json:"plugin_id"`
	PluginName   string `json:"plugin_name"`
	PluginFamily string `json:"plugin_family"`
	Count        int64  `json:"count"`
	Severity     int    `json:"severity"`
	Offline      bool   `json:"offline"`
}

// HostDetail is the per host scan report.
type HostDetail struct {
	Info            map[string]interface{} `json:"info"`
	Vulnerabilities []Vulnerability        `json:"vulnerabilities"`
}

// ActiveScans lists the scans in the recurring scans folder.
func (client *Client) ActiveScans(ctx context.Context) (_ []Scan, err error) {
	defer mon.Task()(&ctx)(&err)

	var list scanList
	if err := client.getJSON(ctx, fmt.Sprintf("/scans?folder_id=%d", activeScansFolder), &list); err != nil {
		return nil, err
	}
	return list.Scans, nil
}

// Scans lists every scan on the server.
func (client *Client) Scans(ctx context.Context) (_ []Scan, err error) {
	defer mon.Task()(&ctx)(&err)

	var list scanList
	if err := client.getJSON(ctx, "/scans", &list); err != nil {
		return nil, err
	}
	return list.Scans, nil
}

// ScanHosts returns the host rows of one scan report.
func (client *Client) ScanHosts(ctx context.Context, scanID int64) (_ []ScanHost, err error) {
	defer mon.Task()(&ctx)(&err)

	var detail scanDetail
	if err := client.getJSON(ctx, fmt.Sprintf("/scans/%d", scanID), &detail); err != nil {
		return nil, err
	}
	return detail.Hosts, nil
}

// HostDetail returns the detailed report of one host in one scan.
func (client *Client) HostDetail(ctx context.Context, scanID, hostID int64) (_ *HostDetail, err error) {
	defer mon.Task()(&ctx)(&err)

	var detail HostDetail
	if err := client.getJSON(ctx, fmt.Sprintf("/scans/%d/hosts/%d", scanID, hostID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ReportURL builds the web UI link to a host's vulnerability report.
func (client *Client) ReportURL(scanID, hostID int64) string {
	return fmt.Sprintf("%s/#/scans/reports/%d/hosts/%d/vulnerabilities", client.config.URL, scanID, hostID)
}

func (client *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.config.Base+path, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("X-ApiKeys", fmt.Sprintf("accessKey=%s; secretKey=%s", client.config.AccessKey, client.config.SecretKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	started := time.Now()
	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}
	client.log.Debug("scan api request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if resp.StatusCode >= 400 {
		return Error.New("scan api returned %s for %s: %s", resp.Status, path, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Error.New("invalid scan api response for %s: %v", path, err)
	}
	return nil
}
