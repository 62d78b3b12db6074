package models

// DefaultSSHPort is used when SSHConfig.Port is left at zero
const DefaultSSHPort = 22

// SSHConfig describes one remote host the collector logs into
type SSHConfig struct {
	// Hostname of the target (IP or DNS name), required
	Hostname string `json:"hostname" yaml:"hostname"`

	// Username to log in as, required
	Username string `json:"username" yaml:"username"`

	// Password for password authentication (optional)
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Port number (default: 22)
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Path to a private key file (optional)
	KeyFilename string `json:"key_filename,omitempty" yaml:"key_filename,omitempty"`

	// Request transport compression
	Compress bool `json:"compress,omitempty" yaml:"compress,omitempty"`

	// Timeout in seconds for connection establishment, 0 means none
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Prefix prepended to non-sudo commands (optional)
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Passphrase for an encrypted private key
	KeyPassphrase string `json:"key_passphrase,omitempty" yaml:"key_passphrase,omitempty"`

	// known_hosts file used for host key verification.
	// Empty disables verification.
	KnownHostsFile string `json:"known_hosts_file,omitempty" yaml:"known_hosts_file,omitempty"`

	// PTY terminal configuration
	PTYConfig *PTYConfig `json:"pty,omitempty" yaml:"pty,omitempty"`
}

// PTYConfig holds configuration for pseudo-terminal
type PTYConfig struct {
	// Terminal type (e.g., "xterm", "xterm-256color")
	Term string `json:"term" yaml:"term"`

	// Number of columns (width)
	Columns int `json:"columns" yaml:"columns"`

	// Number of rows (height)
	Rows int `json:"rows" yaml:"rows"`
}

// DefaultPTYConfig returns a default PTY configuration
func DefaultPTYConfig() *PTYConfig {
	return &PTYConfig{
		Term:    "dumb",
		Columns: 80,
		Rows:    24,
	}
}
