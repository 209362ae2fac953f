package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	// Paths to the external servicing tools. Both default to the bare tool
	// name so the invocation PATH decides.
	DismPath    string
	OscdimgPath string

	// Locations of the WIM files inside the extracted media tree, relative
	// to the media root.
	BootImage    string
	InstallImage string

	// WinPESignature is the substring (matched case-insensitively) that
	// identifies the WinPE image among the images in the boot WIM. Exactly
	// one image must match.
	WinPESignature string

	// Boot sector payloads inside the media tree, relative to the media
	// root, used for the dual BIOS/UEFI boot catalog.
	BiosBootFile string
	EfiBootFile  string

	// ScratchRoot is where per-run scratch directories are created when the
	// caller does not name one explicitly.
	ScratchRoot string

	// UDFVersion selects the oscdimg -udfver flag value.
	UDFVersion string

	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool
}

func Load() (*Config, error) {
	viper.SetDefault("dism_path", "dism")
	viper.SetDefault("oscdimg_path", "oscdimg")
	viper.SetDefault("boot_image", "sources/boot.wim")
	viper.SetDefault("install_image", "sources/install.wim")
	viper.SetDefault("winpe_signature", "Microsoft Windows PE")
	viper.SetDefault("bios_boot_file", "boot/etfsboot.com")
	viper.SetDefault("efi_boot_file", "efi/microsoft/boot/efisys.bin")
	viper.SetDefault("scratch_root", os.TempDir())
	viper.SetDefault("udf_version", "102")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("telemetry_enabled", false)

	viper.SetEnvPrefix("slipstream")
	viper.AutomaticEnv()

	cfg := &Config{
		DismPath:         viper.GetString("dism_path"),
		OscdimgPath:      viper.GetString("oscdimg_path"),
		BootImage:        viper.GetString("boot_image"),
		InstallImage:     viper.GetString("install_image"),
		WinPESignature:   viper.GetString("winpe_signature"),
		BiosBootFile:     viper.GetString("bios_boot_file"),
		EfiBootFile:      viper.GetString("efi_boot_file"),
		ScratchRoot:      viper.GetString("scratch_root"),
		UDFVersion:       viper.GetString("udf_version"),
		LogLevel:         viper.GetString("log_level"),
		LogFormat:        viper.GetString("log_format"),
		TelemetryEnabled: viper.GetBool("telemetry_enabled"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DismPath == "" {
		return fmt.Errorf("dism path must not be empty")
	}
	if c.OscdimgPath == "" {
		return fmt.Errorf("oscdimg path must not be empty")
	}

	for name, p := range map[string]string{
		"boot image":     c.BootImage,
		"install image":  c.InstallImage,
		"bios boot file": c.BiosBootFile,
		"efi boot file":  c.EfiBootFile,
	} {
		if p == "" {
			return fmt.Errorf("%s path must not be empty", name)
		}
		if filepath.IsAbs(p) {
			return fmt.Errorf("%s path must be relative to the media root: %s", name, p)
		}
	}

	if c.WinPESignature == "" {
		return fmt.Errorf("winpe signature must not be empty")
	}

	validUDFVersions := map[string]bool{"102": true, "150": true, "200": true, "250": true, "260": true}
	if !validUDFVersions[c.UDFVersion] {
		return fmt.Errorf("invalid udf version: %s (valid: 102, 150, 200, 250, 260)", c.UDFVersion)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	return nil
}
