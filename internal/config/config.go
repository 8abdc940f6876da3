// Package config loads and validates the server configuration and
// bootstraps the lease database. Configuration is immutable once loaded;
// the serving components receive it by value at startup.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Reservation pins a client MAC to a fixed IP address.
type Reservation struct {
	MAC string `mapstructure:"mac" json:"mac"`
	IP  string `mapstructure:"ip" json:"ip"`
}

// Config holds all configuration for the hearth service
type Config struct {
	ServerIP    string   `mapstructure:"server_ip" json:"server_ip"`
	SubnetMask  string   `mapstructure:"subnet_mask" json:"subnet_mask"`
	Gateway     string   `mapstructure:"gateway" json:"gateway"`
	DNSServers  []string `mapstructure:"dns_servers" json:"dns_servers"`
	IPPoolStart string   `mapstructure:"ip_pool_start" json:"ip_pool_start"`
	IPPoolEnd   string   `mapstructure:"ip_pool_end" json:"ip_pool_end"`

	// LeaseTime is the full lease duration in seconds; OfferTTL is the
	// short tentative window an un-confirmed OFFER is held for.
	LeaseTime int `mapstructure:"lease_time" json:"lease_time"`
	OfferTTL  int `mapstructure:"offer_ttl" json:"offer_ttl"`

	// Excluded addresses inside the pool are never allocated. The server
	// and gateway addresses must be listed here if they fall in the pool.
	Excluded     []string      `mapstructure:"excluded" json:"excluded,omitempty"`
	Reservations []Reservation `mapstructure:"reservations" json:"reservations,omitempty"`

	LeaseDBPath string `mapstructure:"lease_db_path" json:"lease_db_path"`
	ListenAddr  string `mapstructure:"listen_addr" json:"listen_addr"`
	APIAddr     string `mapstructure:"api_addr" json:"api_addr"`
	LogLevel    string `mapstructure:"log_level" json:"log_level"`
	LogJSON     bool   `mapstructure:"log_json" json:"log_json"`

	// SweepInterval is how often expired leases are reclaimed, in seconds.
	SweepInterval int `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// Load reads configuration from the given file (JSON), with HEARTH_
// environment variable overrides, and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("lease_time", 3600)
	v.SetDefault("offer_ttl", 30)
	v.SetDefault("sweep_interval", 30)
	v.SetDefault("lease_db_path", "hearth.db")
	v.SetDefault("listen_addr", "0.0.0.0:67")
	v.SetDefault("api_addr", "127.0.0.1:8067")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fatal-at-startup conditions. The server refuses to
// start on any of these rather than serve with an unknown allocation state.
func (c *Config) Validate() error {
	serverIP, err := parseIPv4("server_ip", c.ServerIP)
	if err != nil {
		return err
	}
	if _, err := parseIPv4("subnet_mask", c.SubnetMask); err != nil {
		return err
	}
	gateway, err := parseIPv4("gateway", c.Gateway)
	if err != nil {
		return err
	}
	if len(c.DNSServers) == 0 {
		return fmt.Errorf("at least one DNS server is required")
	}
	for _, dns := range c.DNSServers {
		if _, err := parseIPv4("dns_servers", dns); err != nil {
			return err
		}
	}

	start, err := parseIPv4("ip_pool_start", c.IPPoolStart)
	if err != nil {
		return err
	}
	end, err := parseIPv4("ip_pool_end", c.IPPoolEnd)
	if err != nil {
		return err
	}
	if ipGreater(start, end) {
		return fmt.Errorf("ip_pool_start %s is after ip_pool_end %s", c.IPPoolStart, c.IPPoolEnd)
	}

	if c.LeaseTime <= 0 {
		return fmt.Errorf("lease_time must be positive, got %d", c.LeaseTime)
	}
	if c.OfferTTL <= 0 || c.OfferTTL >= c.LeaseTime {
		return fmt.Errorf("offer_ttl must be positive and shorter than lease_time, got %d", c.OfferTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %d", c.SweepInterval)
	}

	excluded := make(map[string]bool, len(c.Excluded))
	for _, ex := range c.Excluded {
		ip, err := parseIPv4("excluded", ex)
		if err != nil {
			return err
		}
		excluded[ip.String()] = true
	}

	// The server or gateway sitting inside the pool without an exclusion
	// would eventually be offered to a client.
	for name, ip := range map[string]net.IP{"server_ip": serverIP, "gateway": gateway} {
		if inRange(ip, start, end) && !excluded[ip.String()] {
			return fmt.Errorf("%s %s overlaps the pool and is not excluded", name, ip)
		}
	}

	seenIPs := make(map[string]string, len(c.Reservations))
	for _, res := range c.Reservations {
		if _, err := net.ParseMAC(res.MAC); err != nil {
			return fmt.Errorf("invalid reservation MAC %q: %w", res.MAC, err)
		}
		ip, err := parseIPv4("reservation ip", res.IP)
		if err != nil {
			return err
		}
		if prev, dup := seenIPs[ip.String()]; dup {
			return fmt.Errorf("reservation IP %s assigned to both %s and %s", res.IP, prev, res.MAC)
		}
		seenIPs[ip.String()] = res.MAC
	}

	return nil
}

// LeaseDuration returns the configured lease time as a duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseTime) * time.Second
}

// OfferDuration returns the tentative OFFER hold time as a duration.
func (c *Config) OfferDuration() time.Duration {
	return time.Duration(c.OfferTTL) * time.Second
}

// SweepPeriod returns the expiry sweep interval as a duration.
func (c *Config) SweepPeriod() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

func parseIPv4(field, value string) (net.IP, error) {
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid %s: %q", field, value)
	}
	return ip.To4(), nil
}

func ipGreater(a, b net.IP) bool {
	for i := 0; i < 4; i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func inRange(ip, start, end net.IP) bool {
	return !ipGreater(start, ip) && !ipGreater(ip, end)
}
