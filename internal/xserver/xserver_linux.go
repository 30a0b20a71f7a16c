//go:build linux

// Package xserver starts and stops the headless Xorg instance the
// xshm capture backend and the XTest input injector attach to when no
// display is already running (spec §1 treats the desktop environment
// itself as an external collaborator — this package's job ends at
// "a capturable X11 display exists", not at provisioning a window
// manager or session bus for it).
package xserver

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// XServer is a headless Xorg instance this process owns and must stop.
type XServer struct {
	Display    string
	Xauthority string
	xorgCmd    *exec.Cmd
	tmpDir     string
}

// StartXServer launches a headless Xorg bound to gpu's bus ID at
// resolution, waits for the display socket to accept connections, and
// returns the running instance. Call Stop when the session ends.
func StartXServer(resolution string, gpu int) (*XServer, error) {
	checkHeadlessPrereqs()
	cleanStaleXorgProcesses()

	displayNum := findAvailableDisplay()
	display := fmt.Sprintf(":%d", displayNum)

	tmpDir, err := os.MkdirTemp("", "relaycast-x-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	xauth := filepath.Join(tmpDir, "Xauthority")

	confPath := filepath.Join(tmpDir, "xorg.conf")
	if err := writeXorgConf(confPath, resolution, gpu); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("write xorg.conf: %w", err)
	}

	cookie := generateXauthCookie()
	xauthCmd := exec.Command("xauth", "-f", xauth, "add", display, "MIT-MAGIC-COOKIE-1", cookie)
	if out, err := xauthCmd.CombinedOutput(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("xauth add: %w: %s", err, out)
	}

	vtNum := findAvailableVT()
	xorgArgs := []string{
		display,
		fmt.Sprintf("vt%d", vtNum),
		"-config", confPath,
		"-auth", xauth,
		"-noreset",
		"-keeptty",
		"-novtswitch",
		"-verbose", "3",
	}

	// Add nvidia module path if the driver is installed outside the
	// default Xorg module directory (common with nvidia-580+ packages).
	if nvidiaModPath := findNvidiaModulePath(); nvidiaModPath != "" {
		xorgArgs = append(xorgArgs, "-modulepath",
			nvidiaModPath+",/usr/lib/xorg/modules")
	}

	log.Info().Str("display", display).Int("vt", vtNum).Int("gpu", gpu).Msg("xserver: starting Xorg")
	xorgCmd := exec.Command("Xorg", xorgArgs...)

	xorgLog, err := os.Create(filepath.Join(tmpDir, "xorg.log"))
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("create xorg log: %w", err)
	}
	xorgCmd.Stdout = xorgLog
	xorgCmd.Stderr = xorgLog
	xorgCmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGTERM,
	}

	if err := xorgCmd.Start(); err != nil {
		xorgLog.Close()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("start Xorg: %w", err)
	}

	xs := &XServer{
		Display:    display,
		Xauthority: xauth,
		xorgCmd:    xorgCmd,
		tmpDir:     tmpDir,
	}

	if err := xs.waitReady(10 * time.Second); err != nil {
		xs.Stop()
		return nil, fmt.Errorf("Xorg not ready: %w", err)
	}

	log.Info().Str("display", display).Msg("xserver: Xorg ready")
	return xs, nil
}

// Stop terminates Xorg and removes the temp dir holding its
// Xauthority, config, and logs. Safe to call once after a successful
// StartXServer.
func (xs *XServer) Stop() {
	if xs.xorgCmd != nil && xs.xorgCmd.Process != nil {
		log.Info().Str("display", xs.Display).Msg("xserver: stopping Xorg")
		xs.xorgCmd.Process.Signal(syscall.SIGTERM)
		done := make(chan error, 1)
		go func() { done <- xs.xorgCmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			xs.xorgCmd.Process.Kill()
		}
	}

	displayNum := strings.TrimPrefix(xs.Display, ":")
	os.Remove(fmt.Sprintf("/tmp/.X%s-lock", displayNum))
	os.Remove(fmt.Sprintf("/tmp/.X11-unix/X%s", displayNum))

	if xs.tmpDir != "" {
		os.RemoveAll(xs.tmpDir)
	}
}

func (xs *XServer) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if xs.xorgCmd.ProcessState != nil {
			break
		}
		socketPath := fmt.Sprintf("/tmp/.X11-unix/X%s", strings.TrimPrefix(xs.Display, ":"))
		if _, err := os.Stat(socketPath); err == nil {
			cmd := exec.Command("xdpyinfo")
			cmd.Env = append(os.Environ(),
				"DISPLAY="+xs.Display,
				"XAUTHORITY="+xs.Xauthority,
			)
			if err := cmd.Run(); err == nil {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	logPath := filepath.Join(xs.tmpDir, "xorg.log")
	if data, err := os.ReadFile(logPath); err == nil && len(data) > 0 {
		log.Warn().Str("display", xs.Display).Str("xorg_log", string(data)).Msg("xserver: Xorg failed to become ready")
	}
	return fmt.Errorf("timeout waiting for X server on %s", xs.Display)
}

func findAvailableDisplay() int {
	for i := 1; i <= 99; i++ {
		socket := fmt.Sprintf("/tmp/.X11-unix/X%d", i)
		lock := fmt.Sprintf("/tmp/.X%d-lock", i)
		_, sockErr := os.Stat(socket)
		_, lockErr := os.Stat(lock)
		if os.IsNotExist(sockErr) && os.IsNotExist(lockErr) {
			return i
		}
	}
	return 99
}

func findAvailableVT() int {
	for vt := 7; vt <= 12; vt++ {
		out, _ := exec.Command("fgconsole").Output()
		currentVT, _ := strconv.Atoi(strings.TrimSpace(string(out)))
		if vt != currentVT {
			return vt
		}
	}
	return 8
}

func generateXauthCookie() string {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return "deadbeefdeadbeefdeadbeefdeadbeef"
	}
	defer f.Close()
	buf := make([]byte, 16)
	f.Read(buf)
	return fmt.Sprintf("%x", buf)
}

func writeXorgConf(path, resolution string, gpuIndex int) error {
	busID, err := getGPUBusID(gpuIndex)
	if err != nil {
		return err
	}

	conf := fmt.Sprintf(`Section "ServerLayout"
    Identifier     "Layout0"
    Screen      0  "Screen0"
EndSection

Section "Device"
    Identifier     "Device0"
    Driver         "nvidia"
    BusID          "%s"
    Option         "AllowEmptyInitialConfiguration" "True"
    Option         "ConnectedMonitor" "DFP-0"
    Option         "ModeValidation" "NoEdidModes, NoMaxPClkCheck, NoHorizSyncCheck, NoVertRefreshCheck, NoMaxSizeCheck"
EndSection

Section "Screen"
    Identifier     "Screen0"
    Device         "Device0"
    Monitor        "Monitor0"
    DefaultDepth   24
    Option         "MetaModes" "DFP-0: %s +0+0 {ForceFullCompositionPipeline=On}"
    SubSection "Display"
        Depth      24
        Virtual    %s
    EndSubSection
EndSection

Section "Monitor"
    Identifier     "Monitor0"
    Option         "Enable" "true"
EndSection
`, busID, resolution, strings.ReplaceAll(resolution, "x", " "))

	return os.WriteFile(path, []byte(conf), 0644)
}

func getGPUBusID(index int) (string, error) {
	raw, err := getRawGPUBusID(index)
	if err != nil {
		return "", err
	}
	return nvidiaToXorgBusID(raw), nil
}

func getRawGPUBusID(index int) (string, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=pci.bus_id", "--format=csv,noheader").Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if index >= len(lines) {
		return "", fmt.Errorf("GPU index %d out of range (have %d GPUs)", index, len(lines))
	}

	return strings.TrimSpace(lines[index]), nil
}

func nvidiaToXorgBusID(nvBusID string) string {
	nvBusID = strings.TrimSpace(nvBusID)

	parts := strings.Split(nvBusID, ":")
	if len(parts) == 3 {
		bus := parts[1]
		devFunc := strings.Split(parts[2], ".")

		b, _ := strconv.ParseInt(bus, 16, 64)
		dev, _ := strconv.ParseInt(devFunc[0], 16, 64)
		fn := int64(0)
		if len(devFunc) > 1 {
			fn, _ = strconv.ParseInt(devFunc[1], 16, 64)
		}

		return fmt.Sprintf("PCI:%d:%d:%d", b, dev, fn)
	}

	return "PCI:" + nvBusID
}

// cleanStaleXorgProcesses finds and kills Xorg processes left behind by
// previous relaycast runs that weren't cleaned up (e.g. relaycast was killed
// with SIGKILL, or the parent process crashed). Orphaned Xorg processes
// hold DRM master and prevent new instances from starting.
func cleanStaleXorgProcesses() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	myPID := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == myPID {
			continue
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil {
			continue
		}
		args := string(cmdline)
		if !strings.Contains(args, "Xorg") || !strings.Contains(args, "relaycast-x-") {
			continue
		}
		log.Info().Int("pid", pid).Msg("xserver: killing stale Xorg process")
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		proc.Signal(syscall.SIGTERM)
		for i := 0; i < 10; i++ {
			time.Sleep(100 * time.Millisecond)
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				break
			}
		}
	}
	// Clean up any stale lock files and sockets from relaycast temp dirs
	for i := 1; i <= 99; i++ {
		lock := fmt.Sprintf("/tmp/.X%d-lock", i)
		data, err := os.ReadFile(lock)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, 0); err != nil {
			log.Info().Int("display", i).Int("pid", pid).Msg("xserver: removing stale X lock file")
			os.Remove(lock)
			os.Remove(fmt.Sprintf("/tmp/.X11-unix/X%d", i))
		}
	}
}

// checkHeadlessPrereqs checks system configuration required for starting
// Xorg from a non-console session (e.g. SSH).
func checkHeadlessPrereqs() {
	if os.Getuid() != 0 {
		log.Warn().Msg("xserver: start_x requires root — run with sudo")
	}
}

// findNvidiaModulePath returns the directory containing nvidia_drv.so
// if it lives outside the default Xorg module path (e.g. nvidia-580+
// installs to /usr/lib/x86_64-linux-gnu/nvidia/xorg/).
func findNvidiaModulePath() string {
	if _, err := os.Stat("/usr/lib/xorg/modules/drivers/nvidia_drv.so"); err == nil {
		return ""
	}
	alt := "/usr/lib/x86_64-linux-gnu/nvidia/xorg"
	if _, err := os.Stat(filepath.Join(alt, "nvidia_drv.so")); err == nil {
		return alt
	}
	return ""
}
