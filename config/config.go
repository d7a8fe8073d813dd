// Package config holds the client's tunable defaults and option structs,
// grounded on the teacher's internal/config JSON-tagged settings structs.
// There is no environment-variable surface and no CLI (spec non-goal);
// overriding a default means setting a field on one of these structs.
package config

import "time"

// Defaults mirrors spec.md §6's "Defaults (recognized config)" table exactly.
var Defaults = struct {
	AMQPRequestTimeout      time.Duration
	ServiceBusDeliveryTimeout time.Duration
	ServiceBusServerTimeout time.Duration
	RenewThreshold          float64
	ReattachInterval        time.Duration
	AutoRenewTimeout        time.Duration
	MaxConcurrentCalls      int
	HandleMax               int
	AMQPClientCleanupDelay  time.Duration
	DefaultSendTimeout      time.Duration
}{
	AMQPRequestTimeout:        15 * time.Second,
	ServiceBusDeliveryTimeout: 30 * time.Second,
	ServiceBusServerTimeout:   60 * time.Second,
	RenewThreshold:            0.75,
	ReattachInterval:          5 * time.Second,
	AutoRenewTimeout:          5 * time.Minute,
	MaxConcurrentCalls:        1,
	HandleMax:                 255,
	AMQPClientCleanupDelay:    10 * time.Minute,
	DefaultSendTimeout:        15 * time.Second,
}

// ReceiveMode selects peek-lock vs receive-and-delete semantics.
type ReceiveMode int

const (
	PeekLock ReceiveMode = iota
	ReceiveAndDelete
)

// ClientOptions configures the top-level Client / Connection Pool.
type ClientOptions struct {
	// HandleMax is the per-connection link budget (§4.1). 0 uses Defaults.HandleMax.
	HandleMax int `json:"handle_max" yaml:"handle_max"`
	// ConnectionIdleTimeout is how long an idle connection (refcount 0)
	// survives before being disconnected. 0 uses Defaults.AMQPClientCleanupDelay.
	ConnectionIdleTimeout time.Duration `json:"connection_idle_timeout" yaml:"connection_idle_timeout"`
	// DefaultSendTimeout is used by Sender.Send when the caller passes 0.
	DefaultSendTimeout time.Duration `json:"default_send_timeout" yaml:"default_send_timeout"`
}

// RenewForever is the AutoRenewTimeout sentinel meaning "keep renewing the
// lock indefinitely" (spec.md's "= Infinity" case), since time.Duration has
// no such value of its own.
const RenewForever time.Duration = -1

// ReceiverOptions configures a peek-lock (or receive-and-delete) streaming receiver (§3 "Receiver policy").
type ReceiverOptions struct {
	ReceiveMode  ReceiveMode `json:"receive_mode" yaml:"receive_mode"`
	AutoComplete *bool       `json:"auto_complete" yaml:"auto_complete"` // nil -> true
	// AutoRenewTimeout is how long a message's lock keeps getting renewed
	// after delivery. nil applies Defaults.AutoRenewTimeout; a non-nil 0
	// disables renewal entirely; RenewForever renews indefinitely.
	AutoRenewTimeout   *time.Duration `json:"auto_renew_timeout" yaml:"auto_renew_timeout"`
	MaxConcurrentCalls int            `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	ReattachInterval   time.Duration  `json:"reattach_interval" yaml:"reattach_interval"`
}

// AutoCompleteOrDefault returns the effective auto-complete flag (default true).
func (o ReceiverOptions) AutoCompleteOrDefault() bool {
	if o.AutoComplete == nil {
		return true
	}
	return *o.AutoComplete
}

// AutoRenewTimeoutOrDefault returns the effective renewal window: nil
// resolves to Defaults.AutoRenewTimeout, everything else (including 0 and
// RenewForever) passes through unchanged.
func (o ReceiverOptions) AutoRenewTimeoutOrDefault() time.Duration {
	if o.AutoRenewTimeout == nil {
		return Defaults.AutoRenewTimeout
	}
	return *o.AutoRenewTimeout
}

// WithDefaults returns a copy of o with zero fields filled from Defaults.
func (o ReceiverOptions) WithDefaults() ReceiverOptions {
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = Defaults.MaxConcurrentCalls
	}
	if o.ReattachInterval <= 0 {
		o.ReattachInterval = Defaults.ReattachInterval
	}
	return o
}

// BatchReceiveOptions configures a one-shot Receiver.ReceiveBatch call (§4.7).
type BatchReceiveOptions struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

func (o BatchReceiveOptions) WithDefaults() BatchReceiveOptions {
	if o.Timeout <= 0 {
		o.Timeout = Defaults.ServiceBusServerTimeout
	}
	return o
}

func (o ClientOptions) WithDefaults() ClientOptions {
	if o.HandleMax <= 0 {
		o.HandleMax = Defaults.HandleMax
	}
	if o.ConnectionIdleTimeout <= 0 {
		o.ConnectionIdleTimeout = Defaults.AMQPClientCleanupDelay
	}
	if o.DefaultSendTimeout <= 0 {
		o.DefaultSendTimeout = Defaults.DefaultSendTimeout
	}
	return o
}
