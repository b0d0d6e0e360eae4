package tls

// Config describes how the API server terminates TLS.
//
// CertFile/KeyFile take precedence. Otherwise Dir holds tls.crt and tls.key,
// generated as a self-signed pair on first start when AutoGenerate is set.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	// Hosts are the DNS names and IPs put in a generated certificate.
	Hosts []string `mapstructure:"hosts"`
	// MinVersion is "1.2" or "1.3" (default).
	MinVersion string `mapstructure:"min_version"`
}

// Validate reports configuration that Setup could never satisfy.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errInvalid("cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errInvalid("enabled without cert_file/key_file or dir")
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok {
		return errInvalid("unknown min_version " + c.MinVersion)
	}
	return nil
}
