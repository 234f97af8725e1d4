package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Connection
	Hosts   string
	APIKey  string
	Timeout time.Duration

	// Load options
	Events int
	Topics int

	// Run options
	SourceTopic string
	TargetTopic string
	Threads     int
	Duration    time.Duration
	IdleTimeout time.Duration // Stop after this long without work
	Sequential  bool
	FailPct     int           // % of claims reported as failed
	WorkTime    time.Duration // Simulated work per claim
	MaxRetries  int

	// Derived
	hostList []string
}

func (c *Config) Validate() error {
	if c.Hosts == "" {
		return fmt.Errorf("hosts cannot be empty")
	}

	c.hostList = strings.Split(c.Hosts, ",")
	for i, h := range c.hostList {
		h = strings.TrimRight(strings.TrimSpace(h), "/")
		if h == "" {
			return fmt.Errorf("empty host in list")
		}
		if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
			h = "http://" + h
		}
		c.hostList[i] = h
	}

	if c.Events < 0 {
		return fmt.Errorf("events must be non-negative")
	}

	if c.Topics < 1 {
		c.Topics = 1
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.FailPct < 0 || c.FailPct > 100 {
		return fmt.Errorf("fail-pct must be between 0 and 100")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative")
	}

	if c.TargetTopic != "" && strings.Contains(c.TargetTopic, "*") {
		return fmt.Errorf("target topic cannot contain wildcards: %s", c.TargetTopic)
	}

	return nil
}

func (c *Config) HostList() []string {
	return c.hostList
}

// sourceTopic is the topic the i-th loaded event is dispatched on
func sourceTopic(i, topics int) string {
	return fmt.Sprintf("swarm.t%03d", i%topics)
}
