// Package identity derives the node's chip id, the stable uint32 every mesh
// message carries as its source address.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
	"os"

	"go.uber.org/zap"
)

// ChipID resolves the local chip id. A nonzero configured value wins;
// otherwise the id is derived from the first hardware MAC address so it
// survives restarts, then from the hostname, and as a last resort a random
// id is generated. The result is never zero.
func ChipID(configured uint32) uint32 {
	if configured != 0 {
		zap.L().Info("chip id from config", zap.Uint32("chipId", configured))
		return configured
	}
	if id, src := fromHardware(); id != 0 {
		zap.L().Info("chip id derived", zap.Uint32("chipId", id), zap.String("source", src))
		return id
	}
	id := random()
	zap.L().Warn("chip id generated randomly, configure chip_id to make it stable",
		zap.Uint32("chipId", id))
	return id
}

func fromHardware() (uint32, string) {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
				continue
			}
			if id := hash32(ifc.HardwareAddr); id != 0 {
				return id, "mac:" + ifc.Name
			}
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		if id := hash32([]byte(host)); id != 0 {
			return id, "hostname"
		}
	}
	return 0, ""
}

func hash32(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func random() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 1
		}
		if id := binary.LittleEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}
