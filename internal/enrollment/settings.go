package enrollment

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeZone is the reference zone for appointment scheduling.
const DefaultTimeZone = "America/Chihuahua"

// BankAccount holds the transfer details shown to users who pay by deposit.
type BankAccount struct {
	Bank        string `yaml:"bank"`
	Beneficiary string `yaml:"beneficiary"`
	CLABE       string `yaml:"clabe"`
	Account     string `yaml:"account"`
}

// Settings holds the institution-specific values used in enrollment messages.
type Settings struct {
	Bank        BankAccount `yaml:"bank_account"`
	OfficeHours []string    `yaml:"office_hours"`
	TimeZone    string      `yaml:"time_zone"`
}

// DefaultSettings returns the built-in institution settings.
func DefaultSettings() Settings {
	return Settings{
		Bank: BankAccount{
			Bank:        "BANAMEX",
			Beneficiary: "UNIVERSIDAD DE MEXICO AMERICA LATINA EN LINEA SC",
			CLABE:       "0021 5070 1822 2027 09",
			Account:     "7018-2220270",
		},
		OfficeHours: []string{
			"Lunes a Viernes de 8:00 a 19:30",
			"Sábados de 8:00 a 14:00",
			"Domingos de 9:00 a 13:00",
		},
		TimeZone: DefaultTimeZone,
	}
}

// LoadSettings reads settings from a YAML file. Values missing from the file
// keep their defaults. An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.TimeZone == "" {
		s.TimeZone = DefaultTimeZone
	}
	if len(s.OfficeHours) == 0 {
		s.OfficeHours = DefaultSettings().OfficeHours
	}
	if _, err := s.Location(); err != nil {
		return s, err
	}
	slog.Debug("enrollment.LoadSettings: settings loaded", "path", path, "timeZone", s.TimeZone, "officeHours", len(s.OfficeHours))
	return s, nil
}

// Location resolves the configured reference time zone.
func (s Settings) Location() (*time.Location, error) {
	name := s.TimeZone
	if name == "" {
		name = DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}
