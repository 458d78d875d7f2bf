package metrics

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
)

// HostInfo describes the machine an ingestion run executed on
type HostInfo struct {
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	Arch             string `json:"arch"`
	CPULogical       int    `json:"cpu_logical"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

var (
	hostInfo     *HostInfo
	hostInfoOnce sync.Once
)

// Host returns host information, captured once per process
func Host() *HostInfo {
	hostInfoOnce.Do(func() {
		hostInfo = captureHostInfo()
	})
	return hostInfo
}

// String renders the compact form stored on runs, e.g. "ws-01 (linux/amd64, docker)"
func (h *HostInfo) String() string {
	s := fmt.Sprintf("%s (%s/%s", h.Hostname, h.OS, h.Arch)
	if h.InContainer {
		s += ", " + h.ContainerRuntime
	}
	return s + ")"
}

func captureHostInfo() *HostInfo {
	info := &HostInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Hostname:   "unknown",
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	info.InContainer, info.ContainerRuntime = detectContainer()
	if runtime.GOOS == "linux" {
		info.OSVersion = linuxVersion()
	}
	return info
}

// detectContainer checks the usual docker and kubernetes markers
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

func linuxVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Linux"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return "Linux"
}
