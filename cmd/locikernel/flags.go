package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type PrivilegedFlags struct {
	PPID int
}

type LaunchFlags struct {
	Exe  string
	Cwd  string
	Env  []string
	Args []string
}

type EventsFlags struct {
	Window time.Duration
	Limit  int
}

type PositionsFlags struct {
	Limit int
	JSON  bool
}
