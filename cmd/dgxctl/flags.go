package main

import "time"

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote server connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Output     string // json or table
}

// Flag structs to decouple cobra from logic for testing.

type ListFlags struct {
	// Sync is only sent when SyncSet; otherwise the server default applies.
	Sync    bool
	SyncSet bool
}

type LaunchFlags struct {
	Name    string
	Command string
}

type KillFlags struct {
	Signal string
}

type WatchFlags struct {
	Type string
}

type PurgeFlags struct {
	OlderThan time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
