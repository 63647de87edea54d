package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/JaytheSpazz/mod-md/log"

	"github.com/spf13/viper"
)

// MdBlock is one managed-domain block from the configuration file. The
// primary name plus aliases form the certificate's domain set.
type MdBlock struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	Aliases   []string `mapstructure:"aliases" yaml:"aliases"`
	DriveMode string   `mapstructure:"drive_mode" yaml:"drive_mode"`
	Contact   string   `mapstructure:"contact" yaml:"contact"`
	VhostPort int      `mapstructure:"vhost_port" yaml:"vhost_port"`
	VhostTLS  bool     `mapstructure:"vhost_tls" yaml:"vhost_tls"`
}

type Config struct {
	cfgDir          string
	contact         string
	caURL           string
	challengeType   string
	serverIP        string
	httpPort        int
	dnsPort         int
	renewWindowDays int
	warnAfterFails  int
	driveInterval   int
	notifyCmd       string
	mds             []MdBlock
	cfg             *viper.Viper
}

const (
	CFG_CONTACT           = "contact"
	CFG_CA_URL            = "ca_url"
	CFG_CHALLENGE_TYPE    = "challenge_type"
	CFG_SERVER_IP         = "server_ip"
	CFG_HTTP_PORT         = "http_port"
	CFG_DNS_PORT          = "dns_port"
	CFG_RENEW_WINDOW_DAYS = "renew_window_days"
	CFG_WARN_AFTER_FAILS  = "warn_after_failures"
	CFG_DRIVE_INTERVAL    = "drive_interval_secs"
	CFG_NOTIFY_CMD        = "notify_cmd"
	CFG_MDS               = "mds"
)

const DEFAULT_CA_URL = "https://acme-v02.api.letsencrypt.org/directory"

// Half a day. Certificates get looked at twice a day unless a job asks for an
// earlier run.
const DEFAULT_DRIVE_INTERVAL = 43200

const (
	DRIVE_AUTO   = "auto"
	DRIVE_MANUAL = "manual"
)

const (
	CHALLENGE_HTTP01 = "http-01"
	CHALLENGE_DNS01  = "dns-01"
)

func NewConfig(cfg_dir string, path string) (*Config, error) {
	c := &Config{
		cfgDir: cfg_dir,
		mds:    []MdBlock{},
	}

	c.cfg = viper.New()
	c.cfg.SetConfigType("yaml")

	if path == "" {
		path = filepath.Join(cfg_dir, "config.yaml")
	}
	err := os.MkdirAll(filepath.Dir(path), os.FileMode(0700))
	if err != nil {
		return nil, err
	}
	c.cfg.SetConfigFile(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = c.cfg.WriteConfigAs(path)
		if err != nil {
			return nil, err
		}
	}

	err = c.cfg.ReadInConfig()
	if err != nil {
		return nil, err
	}

	c.contact = c.cfg.GetString(CFG_CONTACT)
	c.caURL = c.cfg.GetString(CFG_CA_URL)
	c.challengeType = c.cfg.GetString(CFG_CHALLENGE_TYPE)
	c.serverIP = c.cfg.GetString(CFG_SERVER_IP)
	c.httpPort = c.cfg.GetInt(CFG_HTTP_PORT)
	c.dnsPort = c.cfg.GetInt(CFG_DNS_PORT)
	c.renewWindowDays = c.cfg.GetInt(CFG_RENEW_WINDOW_DAYS)
	c.warnAfterFails = c.cfg.GetInt(CFG_WARN_AFTER_FAILS)
	c.driveInterval = c.cfg.GetInt(CFG_DRIVE_INTERVAL)
	c.notifyCmd = c.cfg.GetString(CFG_NOTIFY_CMD)

	if c.caURL == "" {
		c.caURL = DEFAULT_CA_URL
	}
	if c.challengeType == "" {
		c.challengeType = CHALLENGE_HTTP01
	}
	if !stringExists(c.challengeType, []string{CHALLENGE_HTTP01, CHALLENGE_DNS01}) {
		return nil, &ConfigError{Key: CFG_CHALLENGE_TYPE, Reason: "must be 'http-01' or 'dns-01'"}
	}
	if c.httpPort == 0 {
		c.httpPort = 80
	}
	if c.dnsPort == 0 {
		c.dnsPort = 53
	}
	if c.renewWindowDays == 0 {
		c.renewWindowDays = 30
	}
	if c.warnAfterFails == 0 {
		c.warnAfterFails = 5
	}
	if c.driveInterval == 0 {
		c.driveInterval = DEFAULT_DRIVE_INTERVAL
	}

	c.mds = []MdBlock{}
	if err := c.cfg.UnmarshalKey(CFG_MDS, &c.mds); err != nil {
		return nil, &ConfigError{Key: CFG_MDS, Reason: err.Error()}
	}
	for i := range c.mds {
		md := &c.mds[i]
		md.Name = strings.ToLower(strings.TrimSpace(md.Name))
		if md.DriveMode == "" {
			md.DriveMode = DRIVE_AUTO
		}
		if !stringExists(md.DriveMode, []string{DRIVE_AUTO, DRIVE_MANUAL}) {
			return nil, &ConfigError{Key: CFG_MDS, Reason: "md '" + md.Name + "': drive_mode must be 'auto' or 'manual'"}
		}
		if md.Contact == "" {
			md.Contact = c.contact
		}
	}

	return c, nil
}

func (c *Config) SetContact(contact string) {
	c.contact = contact
	c.cfg.Set(CFG_CONTACT, contact)
	log.Info("administrative contact set to: %s", contact)
	c.cfg.WriteConfig()
}

func (c *Config) SetCaURL(url string) {
	c.caURL = url
	c.cfg.Set(CFG_CA_URL, url)
	log.Info("ACME directory URL set to: %s", url)
	c.cfg.WriteConfig()
}

func (c *Config) SetChallengeType(ctype string) {
	if !stringExists(ctype, []string{CHALLENGE_HTTP01, CHALLENGE_DNS01}) {
		log.Error("invalid challenge type: %s", ctype)
		return
	}
	c.challengeType = ctype
	c.cfg.Set(CFG_CHALLENGE_TYPE, ctype)
	log.Info("challenge type set to: %s", ctype)
	c.cfg.WriteConfig()
}

func (c *Config) SetServerIP(ip_addr string) {
	c.serverIP = ip_addr
	c.cfg.Set(CFG_SERVER_IP, ip_addr)
	log.Info("server IP set to: %s", ip_addr)
	c.cfg.WriteConfig()
}

func (c *Config) SetNotifyCmd(cmd string) {
	c.notifyCmd = cmd
	c.cfg.Set(CFG_NOTIFY_CMD, cmd)
	log.Info("notify command set to: %s", cmd)
	c.cfg.WriteConfig()
}

// AddMd adds a managed-domain block and persists it, replacing any block with
// the same primary name. Used by the operator console; config file edits plus
// 'reload' achieve the same.
func (c *Config) AddMd(md MdBlock) {
	md.Name = strings.ToLower(strings.TrimSpace(md.Name))
	if md.DriveMode == "" {
		md.DriveMode = DRIVE_AUTO
	}
	if md.Contact == "" {
		md.Contact = c.contact
	}
	replaced := false
	for i := range c.mds {
		if c.mds[i].Name == md.Name {
			c.mds[i] = md
			replaced = true
			break
		}
	}
	if !replaced {
		c.mds = append(c.mds, md)
	}
	c.cfg.Set(CFG_MDS, c.mds)
	log.Info("managed domain added: %s", md.Name)
	c.cfg.WriteConfig()
}

// RemoveMd drops a managed-domain block by primary name. Returns false when
// no such block exists.
func (c *Config) RemoveMd(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, md := range c.mds {
		if md.Name == name {
			c.mds = append(c.mds[:i], c.mds[i+1:]...)
			c.cfg.Set(CFG_MDS, c.mds)
			log.Info("managed domain removed: %s", name)
			c.cfg.WriteConfig()
			return true
		}
	}
	return false
}

func (c *Config) GetMds() []MdBlock {
	ret := make([]MdBlock, len(c.mds))
	copy(ret, c.mds)
	return ret
}

func (c *Config) GetCfgDir() string {
	return c.cfgDir
}

func (c *Config) GetContact() string {
	return c.contact
}

func (c *Config) GetCaURL() string {
	return c.caURL
}

func (c *Config) GetChallengeType() string {
	return c.challengeType
}

func (c *Config) GetServerIP() string {
	return c.serverIP
}

func (c *Config) GetHttpPort() int {
	return c.httpPort
}

func (c *Config) GetDnsPort() int {
	return c.dnsPort
}

func (c *Config) GetRenewWindowDays() int {
	return c.renewWindowDays
}

func (c *Config) GetWarnAfterFailures() int {
	return c.warnAfterFails
}

func (c *Config) GetDriveInterval() int {
	return c.driveInterval
}

func (c *Config) GetNotifyCmd() string {
	return c.notifyCmd
}
