//go:build !windows

package main

func detachConsole() {}
