//go:build windows

package privilege

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// elevated mirrors the admin heuristic: the token carries both
// SeCreateGlobalPrivilege and SeImpersonatePrivilege.
func elevated() bool {
	tok := windows.GetCurrentProcessToken()
	ok, err := hasPrivileges(tok, "SeCreateGlobalPrivilege", "SeImpersonatePrivilege")
	if err != nil {
		return tok.IsElevated()
	}
	return ok
}

func hasPrivileges(tok windows.Token, names ...string) (bool, error) {
	var n uint32
	_ = windows.GetTokenInformation(tok, windows.TokenPrivileges, nil, 0, &n)
	if n == 0 {
		return false, windows.ERROR_INSUFFICIENT_BUFFER
	}
	buf := make([]byte, n)
	if err := windows.GetTokenInformation(tok, windows.TokenPrivileges, &buf[0], n, &n); err != nil {
		return false, err
	}
	held := (*windows.Tokenprivileges)(unsafe.Pointer(&buf[0])).AllPrivileges()
	for _, name := range names {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return false, err
		}
		var luid windows.LUID
		if err := windows.LookupPrivilegeValue(nil, p, &luid); err != nil {
			return false, err
		}
		found := false
		for _, h := range held {
			if h.Luid == luid {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func platformMechanisms() []Mechanism {
	return []Mechanism{{Name: "powershell", Build: runAs}}
}

// runAs uses Start-Process -Verb runAs. The UAC prompt does not carry our
// environment, so the marker also travels as --ppid.
func runAs(helper string, r Request) *exec.Cmd {
	args := append([]string{}, r.Args...)
	args = append(args, "--ppid", strconv.Itoa(r.PPID), r.EappDir, r.DBFile)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = psQuote(a)
	}
	script := "Start-Process -FilePath " + psQuote(r.Self) +
		" -ArgumentList " + strings.Join(quoted, ",") + " -Verb runAs"
	cmd := exec.Command(helper, "-NoProfile", "-NonInteractive", "-Command", script)
	cmd.Env = append(os.Environ(), r.Environ()...)
	return cmd
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
