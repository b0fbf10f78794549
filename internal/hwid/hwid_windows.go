//go:build windows

package hwid

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

func Default() Provider {
	return ProviderFunc(machineGUID)
}

func machineGUID() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Cryptography`, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return "", fmt.Errorf("open cryptography key: %w", err)
	}
	defer func() { _ = k.Close() }()
	v, _, err := k.GetStringValue("MachineGuid")
	if err != nil {
		return "", fmt.Errorf("read MachineGuid: %w", err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrUnsupported
	}
	return v, nil
}
