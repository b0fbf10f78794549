//go:build !linux && !windows

package hwid

func Default() Provider { return Unsupported{} }
