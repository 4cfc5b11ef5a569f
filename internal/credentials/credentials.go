// Package credentials provides the school identity, license token and
// device identifier used to authenticate with the remote authority.
//
// Everything is kept in the store's settings table so that linking survives
// restarts. A credentials file in TOML can be imported with LoadFile.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/schoolab/ecole/internal/cloud"
	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// ErrNotLinked is returned when no school id or license token is stored.
var ErrNotLinked = errors.New("NOT_LINKED: device is not linked to a school")

// Settings is the part of the store the provider needs.
type Settings interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSettings(ctx context.Context, values map[string]string) error
	DeleteSettings(ctx context.Context, keys ...string) error
}

// Link is the information stored when a device is linked to a school.
type Link struct {
	SchoolID     string            `toml:"school_id"`
	LicenseToken string            `toml:"license_token"`
	School       schema.SchoolInfo `toml:"school"`
}

// Validate checks that the link can authenticate.
func (l *Link) Validate() error {
	if strings.TrimSpace(l.SchoolID) == "" {
		return errors.New("school_id is required")
	}
	if strings.TrimSpace(l.LicenseToken) == "" {
		return errors.New("license_token is required")
	}
	return nil
}

// Provider reads and writes credentials in the settings table.
type Provider struct {
	settings Settings
	deviceID string // configured override, may be empty

	mu sync.Mutex
}

// New creates a Provider. A non-empty deviceID overrides the stored one.
func New(settings Settings, deviceID string) *Provider {
	return &Provider{settings: settings, deviceID: strings.TrimSpace(deviceID)}
}

// Identity returns the credentials used for remote requests, or
// ErrNotLinked when the device has not been linked yet.
func (p *Provider) Identity(ctx context.Context) (cloud.Identity, error) {
	schoolID, err := p.get(ctx, db.SettingSchoolID)
	if err != nil {
		return cloud.Identity{}, err
	}
	token, err := p.get(ctx, db.SettingLicenseToken)
	if err != nil {
		return cloud.Identity{}, err
	}
	if schoolID == "" || token == "" {
		return cloud.Identity{}, ErrNotLinked
	}
	deviceID, err := p.DeviceID(ctx)
	if err != nil {
		return cloud.Identity{}, err
	}
	return cloud.Identity{SchoolID: schoolID, LicenseToken: token, DeviceID: deviceID}, nil
}

// Linked reports whether credentials are stored.
func (p *Provider) Linked(ctx context.Context) (bool, error) {
	_, err := p.Identity(ctx)
	if errors.Is(err, ErrNotLinked) {
		return false, nil
	}
	return err == nil, err
}

// School returns the stored school information.
func (p *Provider) School(ctx context.Context) (schema.SchoolInfo, error) {
	var info schema.SchoolInfo
	fields := []struct {
		key string
		dst *string
	}{
		{db.SettingSchoolID, &info.ID},
		{db.SettingSchoolName, &info.Name},
		{db.SettingSchoolCity, &info.City},
		{db.SettingSchoolPOBox, &info.POBox},
	}
	for _, f := range fields {
		v, err := p.get(ctx, f.key)
		if err != nil {
			return info, err
		}
		*f.dst = v
	}
	return info, nil
}

// DeviceID returns the device identifier. Without a configured override, a
// random identifier is generated on first use and stored.
func (p *Provider) DeviceID(ctx context.Context) (string, error) {
	if p.deviceID != "" {
		return p.deviceID, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.get(ctx, db.SettingDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := p.settings.SetSettings(ctx, map[string]string{db.SettingDeviceID: id}); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	return id, nil
}

// Link stores credentials, replacing any previous link.
func (p *Provider) Link(ctx context.Context, l Link) error {
	if err := l.Validate(); err != nil {
		return err
	}
	values := map[string]string{
		db.SettingSchoolID:     strings.TrimSpace(l.SchoolID),
		db.SettingLicenseToken: strings.TrimSpace(l.LicenseToken),
		db.SettingSchoolName:   l.School.Name,
		db.SettingSchoolCity:   l.School.City,
		db.SettingSchoolPOBox:  l.School.POBox,
	}
	if err := p.settings.SetSettings(ctx, values); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// Unlink removes the stored credentials. The device id is kept.
func (p *Provider) Unlink(ctx context.Context) error {
	return p.settings.DeleteSettings(ctx,
		db.SettingSchoolID, db.SettingLicenseToken,
		db.SettingSchoolName, db.SettingSchoolCity, db.SettingSchoolPOBox,
		db.SettingLastSyncTime)
}

func (p *Provider) get(ctx context.Context, key string) (string, error) {
	v, _, err := p.settings.Setting(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// LoadFile reads a TOML credentials file:
//
//	school_id = "..."
//	license_token = "..."
//
//	[school]
//	name = "..."
//	city = "..."
//	pobox = "..."
func LoadFile(path string) (*Link, error) {
	var l Link
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}
	return &l, nil
}
