//go:build windows

package process

func shellArgv(script string) []string { return []string{"cmd", "/c", script} }

// noopArgv runs nothing and exits 0.
func noopArgv() []string { return []string{"cmd", "/c", "rem"} }
