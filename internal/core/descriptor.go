package core

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateQueueName checks a queue name before it becomes part of a store key.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return Validation("invalid queue name %q", name)
	}
	return nil
}

// DescriptorLimits bounds what Normalize accepts.
type DescriptorLimits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxChainBytes  int64
}

// Normalize validates d and fills defaults from limits. It rejects malformed
// descriptors with a validation_error Failure so they never reach a queue.
func (d *Descriptor) Normalize(limits DescriptorLimits) error {
	d.Processor = strings.TrimSpace(d.Processor)
	if d.Processor == "" {
		return Validation("processor is required")
	}
	d.Principal = strings.TrimSpace(d.Principal)
	if d.Principal == "" {
		return Validation("principal is required")
	}
	if strings.ContainsRune(d.Principal, '|') {
		return Validation("principal %q contains invalid character '|'", d.Principal)
	}
	if err := d.Target.Validate(); err != nil {
		return err
	}
	if d.Timeout < 0 {
		return Validation("timeout must be >= 0")
	}
	if d.Timeout == 0 {
		d.Timeout = limits.DefaultTimeout
	}
	if limits.MaxTimeout > 0 && d.Timeout > limits.MaxTimeout {
		return Validation("timeout %s exceeds maximum %s", d.Timeout, limits.MaxTimeout)
	}
	if len(d.Chain) > 0 {
		if limits.MaxChainBytes > 0 && int64(len(d.Chain)) > limits.MaxChainBytes {
			return Validation("processing chain is %d bytes, limit is %d", len(d.Chain), limits.MaxChainBytes)
		}
		if !json.Valid(d.Chain) {
			return Validation("processing chain is not valid JSON")
		}
	}
	return nil
}
