package tun

import (
	"os/exec"
	"strings"
)

// Up assigns cidr (e.g. 10.8.0.7/10) to ifName and brings it up; ip addr add, ip link set up.
func Up(ifName, cidr string) error {
	cmd := exec.Command("ip", "addr", "add", cidr, "dev", ifName)
	if out, err := cmd.CombinedOutput(); err != nil && !strings.Contains(string(out), "File exists") {
		return err
	}
	cmd = exec.Command("ip", "link", "set", "dev", ifName, "up")
	return cmd.Run()
}
