// Package install prepares and tears down the updater on a host.
package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/logging"
)

// MinHostVersion is the oldest host release the updater supports.
const MinHostVersion = ">= 5.0.0"

// CheckHostVersion returns an error unless version satisfies MinHostVersion.
func CheckHostVersion(version string) error {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(version), "v"))
	if err != nil {
		return fmt.Errorf("parse host version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(MinHostVersion)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("host version %s does not satisfy %s", v, MinHostVersion)
	}
	return nil
}

// HostConfig is the part of the host configuration install touches.
type HostConfig interface {
	Ensure(ctx context.Context, section, key string) (bool, error)
}

// SettingsSeeder writes default settings that are not stored yet.
type SettingsSeeder interface {
	Seed(ctx context.Context) ([]string, error)
}

type Installer struct {
	host        HostConfig
	settings    SettingsSeeder
	hostVersion string
	logger      *logging.Logger
}

func NewInstaller(host HostConfig, s SettingsSeeder, hostVersion string, logger *logging.Logger) *Installer {
	return &Installer{host: host, settings: s, hostVersion: hostVersion, logger: logger}
}

// Report summarises what Install changed.
type Report struct {
	KeyCreated     bool     `json:"key_created" yaml:"key_created"`
	SeededSettings []string `json:"seeded_settings" yaml:"seeded_settings"`
}

// Install verifies the host version, makes sure GeoIP2.dbipMmdbUrl exists
// and seeds default settings. Running it again changes nothing.
func (i *Installer) Install(ctx context.Context) (Report, error) {
	var rep Report
	if err := CheckHostVersion(i.hostVersion); err != nil {
		return rep, err
	}

	created, err := i.host.Ensure(ctx, configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL)
	if err != nil {
		return rep, fmt.Errorf("initialise %s.%s: %w", configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL, err)
	}
	rep.KeyCreated = created

	seeded, err := i.settings.Seed(ctx)
	rep.SeededSettings = seeded
	if err != nil {
		return rep, fmt.Errorf("seed settings: %w", err)
	}

	i.logger.WithContext(ctx).
		WithField("key_created", created).
		WithField("seeded_settings", seeded).
		Info("DbipUpdater installed")
	return rep, nil
}

// Uninstall leaves the stored URL in place; GeoIP2 keeps using it.
func (i *Installer) Uninstall(ctx context.Context) error {
	i.logger.WithContext(ctx).
		WithField("section", configstore.SectionGeoIP2).
		WithField("key", configstore.KeyDbipMmdbURL).
		Info("DbipUpdater uninstalled, stored MMDB URL preserved")
	return nil
}
