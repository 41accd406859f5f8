// Copyright (C) 2020 Department of Parks and Wildlife.
// See LICENSE for copying information.

// Package conf loads the environment driven configuration into typed
// structs. The environment variable names are fixed and read verbatim
// through viper, see process.Execute.
package conf

import (
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the configuration error class.
var Error = errs.Class("config error")

// Common is the configuration every tool needs.
type Common struct {
	TimeZone string
	Debug    bool
	Location *time.Location
}

// LoadCommon reads TIME_ZONE and DEBUG.
func LoadCommon(v *viper.Viper) (Common, error) {
	v.SetDefault("TIME_ZONE", "Australia/Perth")

	tz := v.GetString("TIME_ZONE")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Common{}, Error.New("invalid TIME_ZONE %q: %v", tz, err)
	}
	return Common{
		TimeZone: tz,
		Debug:    v.GetBool("DEBUG"),
		Location: loc,
	}, nil
}

// Tracking configures the logged point archiver.
type Tracking struct {
	DatabaseURL             string
	StorageConnectionString string
	Container               string
	ResourceName            string
	ActiveDays              int
	DeleteDisabled          bool
	StartWorkingHour        *int
	EndWorkingHour          *int
	MaxSinglePutSize        int64
	MaxSingleGetSize        int64
}

// LoadTracking reads the RESOURCE_TRACKING_* and LOGGEDPOINT_* variables.
func LoadTracking(v *viper.Viper) (Tracking, error) {
	v.SetDefault("LOGGEDPOINT_ACTIVE_DAYS", 30)
	v.SetDefault("LOGGEDPOINT_ARCHIVE_DELETE_DISABLED", true)

	config := Tracking{
		ActiveDays:       v.GetInt("LOGGEDPOINT_ACTIVE_DAYS"),
		DeleteDisabled:   v.GetBool("LOGGEDPOINT_ARCHIVE_DELETE_DISABLED"),
		StartWorkingHour: optionalInt(v, "START_WORKING_HOUR"),
		EndWorkingHour:   optionalInt(v, "END_WORKING_HOUR"),
		MaxSinglePutSize: v.GetInt64("AZURE_MAX_SINGLE_PUT_SIZE"),
		MaxSingleGetSize: v.GetInt64("AZURE_MAX_SINGLE_GET_SIZE"),
	}
	var err error
	if config.DatabaseURL, err = requireString(v, "RESOURCE_TRACKING_DATABASE_URL"); err != nil {
		return Tracking{}, err
	}
	if config.StorageConnectionString, err = requireString(v, "RESOURCE_TRACKING_STORAGE_CONNECTION_STRING"); err != nil {
		return Tracking{}, err
	}
	if config.Container, err = requireString(v, "RESOURCE_TRACKING_CONTAINER"); err != nil {
		return Tracking{}, err
	}
	if config.ResourceName, err = requireString(v, "LOGGEDPOINT_RESOURCE_NAME"); err != nil {
		return Tracking{}, err
	}
	return config, nil
}

// Nessus configures the scan harvester.
type Nessus struct {
	Base                    string
	URL                     string
	AccessKey               string
	SecretKey               string
	Container               string
	StorageConnectionString string
}

// LoadNessus reads the NESSUS_* variables and the harvester's storage
// connection string.
func LoadNessus(v *viper.Viper) (Nessus, error) {
	config := Nessus{}
	var err error
	if config.Base, err = requireString(v, "NESSUS_BASE"); err != nil {
		return Nessus{}, err
	}
	if config.URL, err = requireString(v, "NESSUS_URL"); err != nil {
		return Nessus{}, err
	}
	if config.AccessKey, err = requireString(v, "NESSUS_ACCESS_KEY"); err != nil {
		return Nessus{}, err
	}
	if config.SecretKey, err = requireString(v, "NESSUS_SECRET_KEY"); err != nil {
		return Nessus{}, err
	}
	if config.Container, err = requireString(v, "NESSUS_CONTAINER"); err != nil {
		return Nessus{}, err
	}
	if config.StorageConnectionString, err = requireString(v, "AZURE_STORAGE_CONNECTION_STRING"); err != nil {
		return Nessus{}, err
	}
	return config, nil
}

func requireString(v *viper.Viper, key string) (string, error) {
	value := v.GetString(key)
	if value == "" {
		return "", Error.New("environment variable %s is required", key)
	}
	return value, nil
}

func optionalInt(v *viper.Viper, key string) *int {
	if !v.IsSet(key) {
		return nil
	}
	value := v.GetInt(key)
	return &value
}
