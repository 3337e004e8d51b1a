package src

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	psnet "github.com/shirou/gopsutil/v3/net"
)

const cmdTimeout = 10 * time.Second

// commandRunner executes one OS command with a bounded timeout and returns
// its combined output. Injectable for tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// chipsetInfo is a static capability entry for a known driver.
type chipsetInfo struct {
	Name      string
	Monitor   bool
	Injection bool
	Bands     []Band
}

// Drivers with well-known monitor/injection behavior. Unlisted drivers
// fall back to an iw capability query.
var chipsetTable = map[string]chipsetInfo{
	"rt2800usb":  {"Ralink RT2870/RT3070", true, true, []Band{Band24GHz}},
	"rt73usb":    {"Ralink RT73", true, true, []Band{Band24GHz}},
	"rtl8187":    {"Realtek RTL8187", true, true, []Band{Band24GHz}},
	"rtl8812au":  {"Realtek RTL8812AU", true, true, []Band{Band24GHz, Band5GHz}},
	"rtl8814au":  {"Realtek RTL8814AU", true, true, []Band{Band24GHz, Band5GHz}},
	"88XXau":     {"Realtek RTL88XXAU", true, true, []Band{Band24GHz, Band5GHz}},
	"ath9k":      {"Atheros AR9xxx", true, true, []Band{Band24GHz, Band5GHz}},
	"ath9k_htc":  {"Atheros AR9271", true, true, []Band{Band24GHz}},
	"carl9170":   {"Atheros AR9170", true, true, []Band{Band24GHz, Band5GHz}},
	"mt7601u":    {"MediaTek MT7601U", true, true, []Band{Band24GHz}},
	"mt76x0u":    {"MediaTek MT76x0U", true, true, []Band{Band24GHz, Band5GHz}},
	"mt76x2u":    {"MediaTek MT76x2U", true, true, []Band{Band24GHz, Band5GHz}},
	"brcmfmac":   {"Broadcom BCM43xx (nexmon)", true, true, []Band{Band24GHz, Band5GHz}},
	"iwlwifi":    {"Intel wireless", false, false, []Band{Band24GHz, Band5GHz}},
	"rtl8188eu":  {"Realtek RTL8188EU", true, false, []Band{Band24GHz}},
	"8188eu":     {"Realtek RTL8188EU", true, false, []Band{Band24GHz}},
}

// AdapterControl is the surface the mode manager drives. Hardware mode is
// changed through this interface only.
type AdapterControl interface {
	Detect(refresh bool) ([]WirelessAdapter, error)
	BestMonitorAdapter() *WirelessAdapter
	EnableMonitorMode(iface string) (string, error)
	DisableMonitorMode(iface string) error
}

// AdapterManager is the truth source for wireless hardware and the only
// component allowed to flip interfaces between managed and monitor mode.
type AdapterManager struct {
	log        zerolog.Logger
	sysfs      string // normally /sys/class/net
	scriptDir  string // vendor monitor helper scripts (monstart/monstop)
	run        commandRunner
	interfaces func() (psnet.InterfaceStatList, error)

	mu     sync.Mutex
	cached []WirelessAdapter
}

func NewAdapterManager() *AdapterManager {
	return &AdapterManager{
		log:        componentLogger("adapter"),
		sysfs:      "/sys/class/net",
		scriptDir:  "/usr/local/bin",
		run:        runCommand,
		interfaces: psnet.Interfaces,
	}
}

// Detect enumerates wireless interfaces and classifies their capabilities.
// Results are cached; refresh forces re-enumeration. Only read-only OS
// queries are issued.
func (m *AdapterManager) Detect(refresh bool) ([]WirelessAdapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && !refresh {
		return append([]WirelessAdapter(nil), m.cached...), nil
	}

	stats, err := m.interfaces()
	if err != nil {
		return nil, fmt.Errorf("interface enumeration failed: %w", err)
	}

	adapters := []WirelessAdapter{}
	for _, st := range stats {
		if !m.isWireless(st.Name) {
			continue
		}
		ad := WirelessAdapter{
			Interface: st.Name,
			MAC:       strings.ToUpper(st.HardwareAddr),
			Driver:    m.driverName(st.Name),
			Phy:       m.phyName(st.Name),
			Connected: m.isConnected(st.Name),
			HWMode:    m.currentHWMode(st.Name),
		}
		if info, known := chipsetTable[ad.Driver]; known {
			ad.Chipset = info.Name
			ad.MonitorCapable = info.Monitor
			ad.InjectionCapable = info.Injection
			ad.Bands = info.Bands
		} else {
			ad.Chipset = ad.Driver
			ad.MonitorCapable, ad.Bands = m.queryPhyCapabilities(ad.Phy)
		}
		// A monitor-type interface proves the capability regardless of
		// what the table says.
		if ad.HWMode == HWModeMonitor {
			ad.MonitorCapable = true
		}
		adapters = append(adapters, ad)
	}

	m.cached = adapters
	m.log.Debug().Int("count", len(adapters)).Msg("wireless adapter detection pass complete")
	return append([]WirelessAdapter(nil), adapters...), nil
}

// BestMonitorAdapter picks the most useful adapter: one already in monitor
// mode, then an injection-capable one that is not connected, then a
// monitor-capable one that is not connected, then any monitor-capable one.
// Returns nil when no usable wireless hardware exists.
func (m *AdapterManager) BestMonitorAdapter() *WirelessAdapter {
	adapters, err := m.Detect(true)
	if err != nil || len(adapters) == 0 {
		return nil
	}

	pick := func(match func(WirelessAdapter) bool) *WirelessAdapter {
		for i := range adapters {
			if match(adapters[i]) {
				return &adapters[i]
			}
		}
		return nil
	}

	if ad := pick(func(a WirelessAdapter) bool { return a.HWMode == HWModeMonitor }); ad != nil {
		return ad
	}
	if ad := pick(func(a WirelessAdapter) bool { return a.InjectionCapable && !a.Connected }); ad != nil {
		return ad
	}
	if ad := pick(func(a WirelessAdapter) bool { return a.MonitorCapable && !a.Connected }); ad != nil {
		return ad
	}
	return pick(func(a WirelessAdapter) bool { return a.MonitorCapable })
}

// monitorStrategy is one rung of the layered enable/disable ladder. Each
// returns the resulting monitor interface name; a failing strategy hands
// over to the next.
type monitorStrategy struct {
	name  string
	apply func(ctx context.Context, iface string) (string, error)
}

// EnableMonitorMode puts iface (or a virtual companion) into monitor mode.
// Idempotent: an interface already in monitor mode is returned as-is.
// Strategies are tried in order; only exhaustion of all of them is an
// error.
func (m *AdapterManager) EnableMonitorMode(iface string) (string, error) {
	if iface == "" {
		return "", fmt.Errorf("no interface given")
	}
	if m.currentHWMode(iface) == HWModeMonitor {
		m.log.Debug().Str("iface", iface).Msg("already in monitor mode")
		return iface, nil
	}
	monIface := iface + "mon"
	if m.interfaceExists(monIface) && m.currentHWMode(monIface) == HWModeMonitor {
		m.log.Debug().Str("iface", monIface).Msg("monitor companion already exists")
		return monIface, nil
	}

	strategies := []monitorStrategy{
		{"vendor-script", m.enableViaScript},
		{"virtual-interface", m.enableViaVirtualInterface},
		{"in-place", m.enableInPlace},
	}

	var lastErr error
	for _, s := range strategies {
		ctx, cancel := context.WithTimeout(context.Background(), 4*cmdTimeout)
		mon, err := s.apply(ctx, iface)
		cancel()
		if err == nil {
			m.invalidateCache()
			m.log.Info().Str("iface", iface).Str("monitor", mon).Str("strategy", s.name).
				Msg("monitor mode enabled")
			return mon, nil
		}
		lastErr = err
		m.log.Warn().Str("iface", iface).Str("strategy", s.name).Err(err).
			Msg("monitor enable strategy failed, trying next")
	}
	return "", fmt.Errorf("all monitor mode strategies failed for %s: %w", iface, lastErr)
}

// DisableMonitorMode tears monitor mode back down. Teardown is always
// attempted in full even after a partially failed enable; step failures
// are logged, not returned.
func (m *AdapterManager) DisableMonitorMode(iface string) error {
	if iface == "" {
		return nil
	}
	base := strings.TrimSuffix(iface, "mon")

	ctx, cancel := context.WithTimeout(context.Background(), 4*cmdTimeout)
	defer cancel()

	if script := filepath.Join(m.scriptDir, "monstop"); m.fileExists(script) {
		if _, err := m.run(ctx, script, base); err == nil {
			m.invalidateCache()
			m.log.Info().Str("iface", base).Msg("monitor mode disabled via vendor script")
			return nil
		} else {
			m.log.Warn().Err(err).Msg("vendor stop script failed, falling back to manual teardown")
		}
	}

	monIface := base + "mon"
	if m.interfaceExists(monIface) {
		m.bestEffort(ctx, "ip", "link", "set", monIface, "down")
		m.bestEffort(ctx, "iw", "dev", monIface, "del")
	} else if m.currentHWMode(base) == HWModeMonitor {
		m.bestEffort(ctx, "ip", "link", "set", base, "down")
		m.bestEffort(ctx, "iw", "dev", base, "set", "type", "managed")
	}
	m.bestEffort(ctx, "ip", "link", "set", base, "up")

	m.invalidateCache()
	m.log.Info().Str("iface", base).Msg("monitor mode teardown finished")
	return nil
}

func (m *AdapterManager) enableViaScript(ctx context.Context, iface string) (string, error) {
	script := filepath.Join(m.scriptDir, "monstart")
	if !m.fileExists(script) {
		return "", fmt.Errorf("vendor script %s not installed", script)
	}
	if _, err := m.run(ctx, script, iface); err != nil {
		return "", err
	}
	// The script decides whether it flips iface or creates a companion.
	monIface := iface + "mon"
	if m.interfaceExists(monIface) {
		return monIface, nil
	}
	return iface, nil
}

func (m *AdapterManager) enableViaVirtualInterface(ctx context.Context, iface string) (string, error) {
	phy := m.phyName(iface)
	if phy == "" {
		return "", fmt.Errorf("no phy80211 radio behind %s", iface)
	}

	// Preparation steps are best-effort; a dead rfkill binary must not
	// sink the whole strategy.
	m.bestEffort(ctx, "rfkill", "unblock", "wifi")
	m.bestEffort(ctx, "ip", "link", "set", iface, "up")
	m.bestEffort(ctx, "iw", "dev", iface, "set", "power_save", "off")

	monIface := iface + "mon"
	if m.interfaceExists(monIface) {
		m.bestEffort(ctx, "iw", "dev", monIface, "del")
	}
	if _, err := m.run(ctx, "iw", "phy", phy, "interface", "add", monIface, "type", "monitor"); err != nil {
		return "", err
	}
	if _, err := m.run(ctx, "ip", "link", "set", monIface, "up"); err != nil {
		m.bestEffort(ctx, "iw", "dev", monIface, "del")
		return "", err
	}
	return monIface, nil
}

func (m *AdapterManager) enableInPlace(ctx context.Context, iface string) (string, error) {
	if _, err := m.run(ctx, "ip", "link", "set", iface, "down"); err != nil {
		return "", err
	}
	if _, err := m.run(ctx, "iw", "dev", iface, "set", "type", "monitor"); err != nil {
		m.bestEffort(ctx, "ip", "link", "set", iface, "up")
		return "", err
	}
	if _, err := m.run(ctx, "ip", "link", "set", iface, "up"); err != nil {
		return "", err
	}
	return iface, nil
}

func (m *AdapterManager) bestEffort(ctx context.Context, name string, args ...string) {
	if _, err := m.run(ctx, name, args...); err != nil {
		m.log.Debug().Err(err).Msg("best-effort command failed")
	}
}

func (m *AdapterManager) invalidateCache() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// sysfs readers. All of these tolerate missing paths and return zero
// values on any error.

func (m *AdapterManager) isWireless(iface string) bool {
	if _, err := os.Stat(filepath.Join(m.sysfs, iface, "wireless")); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(m.sysfs, iface, "phy80211"))
	return err == nil
}

func (m *AdapterManager) interfaceExists(iface string) bool {
	_, err := os.Stat(filepath.Join(m.sysfs, iface))
	return err == nil
}

func (m *AdapterManager) fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *AdapterManager) driverName(iface string) string {
	link, err := os.Readlink(filepath.Join(m.sysfs, iface, "device", "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func (m *AdapterManager) phyName(iface string) string {
	data, err := os.ReadFile(filepath.Join(m.sysfs, iface, "phy80211", "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *AdapterManager) isConnected(iface string) bool {
	data, err := os.ReadFile(filepath.Join(m.sysfs, iface, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

// currentHWMode asks iw for the interface type.
func (m *AdapterManager) currentHWMode(iface string) AdapterHWMode {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	out, err := m.run(ctx, "iw", "dev", iface, "info")
	if err != nil {
		return HWModeUnknown
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "type ") {
			continue
		}
		switch strings.TrimPrefix(line, "type ") {
		case "monitor":
			return HWModeMonitor
		case "managed":
			return HWModeManaged
		case "AP":
			return HWModeAP
		}
	}
	return HWModeUnknown
}

// queryPhyCapabilities is the fallback for drivers missing from the static
// table: parse `iw phy <phy> info` for supported interface modes and bands.
func (m *AdapterManager) queryPhyCapabilities(phy string) (monitor bool, bands []Band) {
	if phy == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	out, err := m.run(ctx, "iw", "phy", phy, "info")
	if err != nil {
		return false, nil
	}
	monitor = strings.Contains(out, "* monitor")
	if strings.Contains(out, "2412 MHz") {
		bands = append(bands, Band24GHz)
	}
	if strings.Contains(out, "5180 MHz") {
		bands = append(bands, Band5GHz)
	}
	return monitor, bands
}
