// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/rockychen-dpaw/data-harvester-backup/pkg/codec"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/conf"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/harvester"
	"github.com/rockychen-dpaw/data-harvester-backup/pkg/process"
	"github.com/rockychen-dpaw/data-harvester-backup/storage/miniostore"
)

var (
	rootCmd = &cobra.Command{
		Use:   "scanharvester",
		Short: "Harvest security scan reports and publish them per host group",
	}
	harvestCmd = &cobra.Command{
		Use:   "harvest",
		Short: "Download completed scans and publish new results",
		Args:  cobra.NoArgs,
		RunE:  cmdHarvest,
	}
	downloadCmd = &cobra.Command{
		Use:   "download file",
		Short: "Download the assembled scan results into a local JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDownload,
	}

	harvestFlags struct {
		vulnerabilityDetail bool
	}
)

func init() {
	rootCmd.AddCommand(harvestCmd, downloadCmd)
	for _, cmd := range []*cobra.Command{harvestCmd, downloadCmd} {
		cmd.Flags().BoolVar(&harvestFlags.vulnerabilityDetail, "vulnerability-detail", false,
			"keep the per host vulnerability list in the result")
	}
}

func main() {
	process.Execute(rootCmd)
}

func newHarvester() (*harvester.Harvester, error) {
	common, err := conf.LoadCommon(viper.GetViper())
	if err != nil {
		return nil, err
	}
	nessus, err := conf.LoadNessus(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := process.NewLogger()
	if err != nil {
		return nil, err
	}

	cdc := codec.New(common.Location)
	blobs, err := miniostore.New(nessus.StorageConnectionString, nessus.Container, miniostore.Options{})
	if err != nil {
		return nil, err
	}
	client := harvester.NewClient(log.Named("nessus"), harvester.ClientConfig{
		Base:      nessus.Base,
		URL:       nessus.URL,
		AccessKey: nessus.AccessKey,
		SecretKey: nessus.SecretKey,
	})
	return harvester.New(log.Named("harvester"), client, blobs, cdc, harvester.Config{}), nil
}

func cmdHarvest(cmd *cobra.Command, args []string) error {
	h, err := newHarvester()
	if err != nil {
		return err
	}
	options := harvester.Options{
		DownloadVulnerabilityDetail: harvestFlags.vulnerabilityDetail,
	}
	result, err := h.Harvest(context.Background(), options)
	if err != nil {
		if harvester.ErrScanIncomplete.Has(err) {
			cmd.Printf("%s: %v\n", result.Status, err)
			return nil
		}
		return err
	}
	if result.Message != "" {
		cmd.Printf("%s: %s\n", result.Status, result.Message)
		return nil
	}
	cmd.Printf("%s: %d group(s) published\n", result.Status, len(result.Uploaded))
	return nil
}

func cmdDownload(cmd *cobra.Command, args []string) error {
	h, err := newHarvester()
	if err != nil {
		return err
	}
	options := harvester.Options{
		DownloadVulnerabilityDetail: harvestFlags.vulnerabilityDetail,
	}
	status, err := h.DownloadToFile(context.Background(), args[0], options)
	if err != nil {
		if harvester.ErrScanIncomplete.Has(err) {
			cmd.Printf("%s: %v\n", status, err)
			return nil
		}
		return errs.Wrap(err)
	}
	cmd.Printf("%s: wrote %s\n", status, args[0])
	return nil
}
