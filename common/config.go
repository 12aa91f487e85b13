// Copyright 2021-2022 The reqbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Broker Core Related Config

// CostConfig defines the fixed settlement cost parameters
type CostConfig struct {
	// AdminFee is the broker operator fee charged per fulfilled request
	AdminFee uint64 `mapstructure:"admin_fee" json:"admin_fee"`
	// WorkerFee is the worker pool fee charged per fulfilled request
	WorkerFee uint64 `mapstructure:"worker_fee" json:"worker_fee"`
	// UnitPrice is the price of one unit of callback budget
	UnitPrice uint64 `mapstructure:"unit_price" json:"unit_price"`
}

// BrokerConfig defines the request broker core parameters
type BrokerConfig struct {
	// Owner is the address with authority over the route table and subscription flags
	Owner string `mapstructure:"owner" json:"owner" validate:"required"`
	// MaxConsumersPerSubscription is the max number of consumers one subscription may authorize
	MaxConsumersPerSubscription int `mapstructure:"max_consumers_per_subscription" json:"max_consumers_per_subscription" validate:"gte=1"`
	// MaxProposalBatch is the max number of route changes in one proposal
	MaxProposalBatch int `mapstructure:"max_proposal_batch" json:"max_proposal_batch" validate:"gte=1"`
	// CallbackBudgetTiers is the ordered table of callback budget ceilings. A subscription
	// selects its tier through the low byte of its flags.
	CallbackBudgetTiers []uint32 `mapstructure:"callback_budget_tiers" json:"callback_budget_tiers" validate:"required,min=1,max=256"`
	// RequestTimeout is the duration in seconds before a pending request can be expired
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// SweepInterval is the interval in seconds between timeout sweeps
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// EnforceEarmark whether submission requires the unblocked balance to cover the cost quote
	EnforceEarmark bool `mapstructure:"enforce_earmark" json:"enforce_earmark"`
	// RestrictFulfiller whether only the endpoint named in a commitment may fulfill it
	RestrictFulfiller bool `mapstructure:"restrict_fulfiller" json:"restrict_fulfiller"`
	// CallbackBudgetUnit is the wall clock time in nanoseconds granted per unit of callback budget
	CallbackBudgetUnit int64 `mapstructure:"callback_budget_unit_ns" json:"callback_budget_unit_ns" validate:"gte=1"`
	// TaskBuffer is the depth of the operation queue in front of the broker event loop
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// Cost defines the fixed settlement cost parameters
	Cost CostConfig `mapstructure:"cost" json:"cost" validate:"required"`
}

// RequestTimeoutDuration helper function to convert RequestTimeout to time.Duration
func (c BrokerConfig) RequestTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.RequestTimeout)
}

// SweepIntervalDuration helper function to convert SweepInterval to time.Duration
func (c BrokerConfig) SweepIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.SweepInterval)
}

// CallbackBudgetUnitDuration helper function to convert CallbackBudgetUnit to time.Duration
func (c BrokerConfig) CallbackBudgetUnitDuration() time.Duration {
	return time.Duration(c.CallbackBudgetUnit)
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// EventSubjectPrefix is the subject prefix broker notifications are published under
	EventSubjectPrefix string `mapstructure:"event_subject_prefix" json:"event_subject_prefix" validate:"required"`
	// FulfillmentSubject is the subject prefix workers deliver fulfillments under, as
	// "<prefix>.<endpoint>"
	FulfillmentSubject string `mapstructure:"fulfillment_subject" json:"fulfillment_subject" validate:"required"`
	// EventStream if set, the JetStream stream capturing the broker notifications
	EventStream string `mapstructure:"event_stream" json:"event_stream,omitempty" validate:"omitempty,alphanum"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// CallerHeader is the HTTP header carrying the caller address of an API request
	CallerHeader string `mapstructure:"caller_header" json:"caller_header" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Storage Related Config

// RedisConfig defines parameters for the Redis snapshot store
type RedisConfig struct {
	// ServerAddress is the Redis server host:port
	ServerAddress string `mapstructure:"server_address" json:"server_address" validate:"required,hostname_port"`
	// DB is the Redis logical DB to use
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// Password is the Redis password, if any
	Password string `mapstructure:"password" json:"-"`
	// SnapshotKey is the key the broker state snapshot is stored under
	SnapshotKey string `mapstructure:"snapshot_key" json:"snapshot_key" validate:"required"`
	// CheckpointInterval is the interval in seconds between state checkpoints
	CheckpointInterval int `mapstructure:"checkpoint_interval_sec" json:"checkpoint_interval_sec" validate:"gte=1"`
}

// StorageConfig defines the broker state persistence parameters
type StorageConfig struct {
	// Redis if set, checkpoint broker state into Redis
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker server config
type SystemConfig struct {
	// Broker are the broker core config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required"`
	// NATS if set, are the NATS related config parameters
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// API are the REST API server configs
	API HTTPConfig `mapstructure:"api" json:"api" validate:"required"`
	// Storage are the state persistence configs
	Storage StorageConfig `mapstructure:"storage" json:"storage"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.owner", "broker-admin")
	viper.SetDefault("broker.max_consumers_per_subscription", 100)
	viper.SetDefault("broker.max_proposal_batch", 8)
	viper.SetDefault("broker.callback_budget_tiers", []uint32{100000, 300000, 500000})
	viper.SetDefault("broker.request_timeout_sec", 300)
	viper.SetDefault("broker.sweep_interval_sec", 30)
	viper.SetDefault("broker.enforce_earmark", true)
	viper.SetDefault("broker.restrict_fulfiller", false)
	viper.SetDefault("broker.callback_budget_unit_ns", 1000)
	viper.SetDefault("broker.task_buffer", 64)
	viper.SetDefault("broker.cost.admin_fee", 0)
	viper.SetDefault("broker.cost.worker_fee", 0)
	viper.SetDefault("broker.cost.unit_price", 0)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.caller_header", "Reqbroker-Caller")
	viper.SetDefault("api.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.server_config.listen_port", 3000)
	viper.SetDefault("api.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.logging_config.request_id_header", "Reqbroker-Request-ID")
	viper.SetDefault(
		"api.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultNATSConfigValues installs default NATS config parameters in viper
//
// NATS is optional, so these are only installed when the operator asks for NATS.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.event_subject_prefix", "reqbroker.events")
	viper.SetDefault("nats.fulfillment_subject", "reqbroker.fulfill")
}
