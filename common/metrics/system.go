package metrics

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// SystemInfo describes the host the service runs on. It is reported once
// at startup and on the health endpoint so lab operators can tell which
// machine answered.
type SystemInfo struct {
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version,omitempty"`
	Arch             string `json:"arch"`
	CPULogical       int    `json:"cpu_logical"`
	TotalMemoryMB    int64  `json:"total_memory_mb,omitempty"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

var (
	captureOnce sync.Once
	captured    *SystemInfo
)

// CaptureSystemInfo gathers host information. The result is cached; the
// host does not change under a running process.
func CaptureSystemInfo() *SystemInfo {
	captureOnce.Do(func() {
		info := &SystemInfo{
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			CPULogical: runtime.NumCPU(),
			GoVersion:  runtime.Version(),
		}
		if hostname, err := os.Hostname(); err == nil {
			info.Hostname = hostname
		} else {
			info.Hostname = "unknown"
		}
		info.InContainer, info.ContainerRuntime = detectContainer()
		info.OSVersion = osVersion()
		info.TotalMemoryMB = totalMemoryMB()
		captured = info
	})
	return captured
}

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

func osVersion() string {
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if value, found := strings.CutPrefix(line, "PRETTY_NAME="); found {
				return strings.Trim(value, "\"")
			}
		}
	}
	return ""
}

func totalMemoryMB() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
