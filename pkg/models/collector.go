package models

// CollectorConfig is the collector service configuration file
type CollectorConfig struct {
	// Hosts to collect from, one worker per entry
	Hosts []SSHConfig `json:"hosts" yaml:"hosts"`

	// Commands run through sudo on every host, in order
	Commands []string `json:"commands" yaml:"commands"`

	// Password answered to the sudo prompt.
	// Falls back to the host's login password when empty.
	SudoPassword string `json:"sudo_password,omitempty" yaml:"sudo_password,omitempty"`

	// Timeout in seconds for the whole collection run (default: 60).
	// It only stops work between commands; a connect in progress is bounded
	// by the host's own Timeout, which defaults to this value.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Where results are published; nil disables publishing
	RabbitMQ *RabbitMQConfig `json:"rabbitmq,omitempty" yaml:"rabbitmq,omitempty"`
}
