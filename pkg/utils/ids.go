package utils

import (
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	machineIDOnce sync.Once
	machineID     string
)

// HashMacAddressPid folds a mac address and the current pid into a three
// digit string.
func HashMacAddressPid(mac string) string {
	var hash uint16
	macPid := mac + strconv.Itoa(os.Getpid())
	for i := 0; i < len(macPid); i++ {
		hash += uint16(macPid[i] << (i & 1) * 8)
	}

	hashStr := strconv.FormatUint(uint64(hash), 10)
	if len(hashStr) > 3 {
		hashStr = hashStr[:3]
	} else if len(hashStr) < 3 {
		hashStr = strings.Repeat("0", 3-len(hashStr)) + hashStr
	}
	return hashStr
}

// GetMachineID identifies this process among the consumers of a broker. It
// hashes the first globally administered, non-loopback mac address with the
// pid, and falls back to "0".
func GetMachineID() string {
	machineIDOnce.Do(func() {
		machineID = lookupMachineID()
	})
	return machineID
}

func lookupMachineID() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "0"
	}
	for _, i := range interfaces {
		if i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) == 0 {
			continue
		}
		// locally administered
		if i.HardwareAddr[0]&2 == 2 {
			continue
		}
		return HashMacAddressPid(i.HardwareAddr.String())
	}
	return "0"
}
