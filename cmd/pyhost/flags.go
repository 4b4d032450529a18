package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds daemon connection flags for commands that go through the
// management API.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// RuntimeFlags holds flags for the runtime subcommands.
type RuntimeFlags struct {
	Name string
	Type string
	Path string
	ID   string
}

// VenvFlags holds flags for the venv subcommands.
type VenvFlags struct {
	Name     string
	Scope    string
	Packages []string
}

// StartFlags holds flags for starting a backend.
type StartFlags struct {
	Type     string
	VenvPath string
	Port     int
	APIFlags
}

// StopFlags holds flags for stopping a backend.
type StopFlags struct {
	Type     string
	VenvPath string
	APIFlags
}

// EvalFlags holds flags for remote evaluation.
type EvalFlags struct {
	Type       string
	VenvPath   string
	Expression string
	APIFlags
}

// ServeFlags holds flags for the serve daemon.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
